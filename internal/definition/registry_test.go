package definition

import (
	"errors"
	"testing"

	"github.com/pitabwire/caseflow/model"
)

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	f, err := NewLoader().LoadFile("testdata/acme/case.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	r := NewRegistry()
	if err := r.Load([]model.DefinitionFile{f}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return r
}

func TestRegistry_Load(t *testing.T) {
	r := loadedRegistry(t)
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
	if r.Checksum() == "" {
		t.Error("Checksum() is empty")
	}

	w, err := r.Workflow(model.TemplateRef{TenantID: "acme", ID: "case-standard", Version: 1})
	if err != nil {
		t.Fatalf("Workflow() error = %v", err)
	}
	if w.Machine == nil {
		t.Error("Machine not compiled")
	}
	c, err := r.Checklist(model.TemplateRef{TenantID: "acme", ID: "investigation-basic", Version: 1})
	if err != nil {
		t.Fatalf("Checklist() error = %v", err)
	}
	if got := c.Graph.Dependencies("B"); len(got) != 1 || got[0] != "A" {
		t.Errorf("Graph.Dependencies(B) = %v", got)
	}
}

func TestRegistry_Load_invalidKeepsPrevious(t *testing.T) {
	r := loadedRegistry(t)
	before := r.Checksum()

	broken, err := NewLoader().LoadFile("testdata/broken/cycle.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := r.Load([]model.DefinitionFile{broken}); !model.IsErrorCode(err, model.ErrInvalidTemplate) {
		t.Fatalf("Load() error = %v, want %s", err, model.ErrInvalidTemplate)
	}
	if r.Checksum() != before || r.Count() != 2 {
		t.Error("failed Load replaced registry contents")
	}
}

func caseFile(tmpls ...model.WorkflowTemplate) model.DefinitionFile {
	return model.DefinitionFile{TenantID: "acme", Workflows: tmpls, Checksum: "sum"}
}

func TestRegistry_Load_keepsPinnedVersions(t *testing.T) {
	r := loadedRegistry(t)
	v1, _ := r.Workflow(model.TemplateRef{TenantID: "acme", ID: "case-standard", Version: 1})

	v2 := *v1.Template
	v2.Version = 2
	v2.Name = "Case v2"
	if err := r.Load([]model.DefinitionFile{caseFile(v2)}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, err := r.Workflow(v1.Template.Ref()); err != nil {
		t.Errorf("pinned v1 lookup error = %v", err)
	}
	w, err := r.ResolveWorkflow("acme", model.EntityCase, "")
	if err != nil || w.Template.Version != 2 {
		t.Errorf("default = %v, %v; want version 2", w, err)
	}

	// The checklist file is gone: pinned lookups work, new selections do not.
	ref := model.TemplateRef{TenantID: "acme", ID: "investigation-basic", Version: 1}
	if _, err := r.Checklist(ref); err != nil {
		t.Errorf("retired checklist lookup error = %v", err)
	}
	if _, err := r.LatestChecklist("acme", "investigation-basic"); !model.IsErrorCode(err, model.ErrNotFound) {
		t.Errorf("LatestChecklist() err = %v, want %s", err, model.ErrNotFound)
	}
	if r.Count() != 3 {
		t.Errorf("Count() = %d, want 3", r.Count())
	}
}

func TestRegistry_Load_sameContentIsAccepted(t *testing.T) {
	r := loadedRegistry(t)
	before, _ := r.Workflow(model.TemplateRef{TenantID: "acme", ID: "case-standard", Version: 1})

	f, err := NewLoader().LoadFile("testdata/acme/case.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := r.Load([]model.DefinitionFile{f}); err != nil {
		t.Fatalf("reload error = %v", err)
	}
	after, _ := r.Workflow(before.Template.Ref())
	if after != before {
		t.Error("unchanged template was recompiled")
	}
}

func TestRegistry_Load_rejectsEditedVersion(t *testing.T) {
	r := loadedRegistry(t)
	before := r.Checksum()
	v1, _ := r.Workflow(model.TemplateRef{TenantID: "acme", ID: "case-standard", Version: 1})

	edited := *v1.Template
	edited.Stages = append([]model.Stage(nil), v1.Template.Stages...)
	edited.Stages[0].SLADays = nil

	err := r.Load([]model.DefinitionFile{caseFile(edited)})
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrInvalidTemplate || !hasCode(env.Details, CodeVersionChanged) {
		t.Fatalf("Load() error = %v, want %s", err, CodeVersionChanged)
	}
	got, _ := r.Workflow(v1.Template.Ref())
	if got.Template.Stages[0].SLADays == nil || r.Checksum() != before {
		t.Error("rejected Load changed the loaded version")
	}
}

func TestRegistry_Load_rejectsLowerVersion(t *testing.T) {
	r := NewRegistry()
	wf := validWorkflow()
	wf.Version = 3
	if err := r.Load([]model.DefinitionFile{caseFile(wf)}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	wf.Version = 2
	err := r.Load([]model.DefinitionFile{caseFile(wf)})
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || !hasCode(env.Details, CodeVersionLowered) {
		t.Fatalf("Load() error = %v, want %s", err, CodeVersionLowered)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestRegistry_tenantIsolation(t *testing.T) {
	r := loadedRegistry(t)
	_, err := r.Workflow(model.TemplateRef{TenantID: "globex", ID: "case-standard", Version: 1})
	if !model.IsErrorCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want %s", err, model.ErrNotFound)
	}
	if _, err := r.ResolveWorkflow("globex", model.EntityCase, ""); !model.IsErrorCode(err, model.ErrNotFound) {
		t.Errorf("ResolveWorkflow err = %v, want %s", err, model.ErrNotFound)
	}
}

func TestRegistry_ResolveWorkflow(t *testing.T) {
	r := loadedRegistry(t)

	w, err := r.ResolveWorkflow("acme", model.EntityCase, "")
	if err != nil {
		t.Fatalf("default: error = %v", err)
	}
	if w.Template.ID != "case-standard" {
		t.Errorf("default = %s, want case-standard", w.Template.ID)
	}

	if _, err := r.ResolveWorkflow("acme", model.EntityCase, "case-standard"); err != nil {
		t.Errorf("explicit: error = %v", err)
	}

	_, err = r.ResolveWorkflow("acme", model.EntityPolicy, "case-standard")
	if !model.IsErrorCode(err, model.ErrBadRequest) {
		t.Errorf("entity mismatch: err = %v, want %s", err, model.ErrBadRequest)
	}

	_, err = r.ResolveWorkflow("acme", model.EntityPolicy, "")
	if !model.IsErrorCode(err, model.ErrNotFound) {
		t.Errorf("no default: err = %v, want %s", err, model.ErrNotFound)
	}
}

func TestRegistry_PublishWorkflow(t *testing.T) {
	r := loadedRegistry(t)
	base, _ := r.Workflow(model.TemplateRef{TenantID: "acme", ID: "case-standard", Version: 1})

	next := *base.Template
	next.Name = "Case v2"
	w, err := r.PublishWorkflow(next)
	if err != nil {
		t.Fatalf("PublishWorkflow() error = %v", err)
	}
	if w.Template.Version != 2 {
		t.Errorf("Version = %d, want 2", w.Template.Version)
	}

	latest, err := r.ResolveWorkflow("acme", model.EntityCase, "case-standard")
	if err != nil {
		t.Fatalf("ResolveWorkflow() error = %v", err)
	}
	if latest.Template.Version != 2 {
		t.Errorf("latest version = %d, want 2", latest.Template.Version)
	}

	// The pinned version keeps resolving.
	if _, err := r.Workflow(model.TemplateRef{TenantID: "acme", ID: "case-standard", Version: 1}); err != nil {
		t.Errorf("v1 lookup error = %v", err)
	}
	if r.Count() != 3 {
		t.Errorf("Count() = %d, want 3", r.Count())
	}
}

func TestRegistry_PublishWorkflow_inactiveStillPinned(t *testing.T) {
	r := NewRegistry()
	wf := validWorkflow()
	wf.IsActive = false
	if _, err := r.PublishWorkflow(wf); err != nil {
		t.Fatalf("PublishWorkflow() error = %v", err)
	}

	if _, err := r.ResolveWorkflow("acme", model.EntityCase, wf.ID); !model.IsErrorCode(err, model.ErrNotFound) {
		t.Errorf("inactive resolve err = %v, want %s", err, model.ErrNotFound)
	}
	if _, err := r.Workflow(model.TemplateRef{TenantID: "acme", ID: wf.ID, Version: 1}); err != nil {
		t.Errorf("exact lookup error = %v", err)
	}
}

func TestRegistry_PublishChecklist(t *testing.T) {
	r := NewRegistry()
	cl := validChecklist()

	c, err := r.PublishChecklist(cl)
	if err != nil {
		t.Fatalf("PublishChecklist() error = %v", err)
	}
	if c.Template.Version != 1 {
		t.Errorf("Version = %d, want 1", c.Template.Version)
	}

	c2, err := r.PublishChecklist(cl)
	if err != nil {
		t.Fatalf("second PublishChecklist() error = %v", err)
	}
	if c2.Template.Version != 2 {
		t.Errorf("Version = %d, want 2", c2.Template.Version)
	}
	latest, err := r.LatestChecklist("acme", cl.ID)
	if err != nil || latest.Template.Version != 2 {
		t.Errorf("LatestChecklist() = %v, %v; want version 2", latest, err)
	}
}

func TestRegistry_PublishChecklist_rejectsCycle(t *testing.T) {
	r := NewRegistry()
	cl := validChecklist()
	cl.Sections[0].Items[0].Dependencies = []string{"B"}

	_, err := r.PublishChecklist(cl)
	if !model.IsErrorCode(err, model.ErrInvalidTemplate) {
		t.Fatalf("err = %v, want %s", err, model.ErrInvalidTemplate)
	}
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || !hasCode(env.Details, CodeDependencyCycle) {
		t.Errorf("details = %+v, want %s", env, CodeDependencyCycle)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}
