package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/caseflow/model"
)

// Workflow is a validated workflow template with its compiled stage machine.
type Workflow struct {
	Template *model.WorkflowTemplate
	Machine  *StageMachine
	// Digest fingerprints the template content.
	Digest string
}

// Checklist is a validated checklist template with its dependency graph.
type Checklist struct {
	Template *model.ChecklistTemplate
	Graph    *DependencyGraph
	Digest   string
}

type idKey struct{ tenant, id string }

type entityKey struct{ tenant, entityType string }

// snapshot is an immutable view of every loaded template.
type snapshot struct {
	workflows  map[model.TemplateRef]*Workflow
	checklists map[model.TemplateRef]*Checklist

	latestWorkflow  map[idKey]*Workflow
	latestChecklist map[idKey]*Checklist
	defaults        map[entityKey]*Workflow

	// Retired versions are no longer in the definition files. They still
	// resolve by exact reference but are never offered to new instances.
	retiredWorkflows  map[model.TemplateRef]bool
	retiredChecklists map[model.TemplateRef]bool

	checksums []string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of templates. Reads are
// lock-free through an atomic snapshot pointer; writers build a new snapshot
// and swap it in.
type Registry struct {
	snap      atomic.Pointer[snapshot]
	validator *Validator

	// mu serializes writers.
	mu sync.Mutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{validator: NewValidator()}
	r.snap.Store(buildSnapshot(nil, nil, nil, nil, nil))
	return r
}

// Load validates files and merges them into the registry. Versions loaded
// earlier stay resolvable by exact reference so pinned instances keep
// working; those missing from files are retired from new-instance selection.
// An already loaded (id, version) may not change content, and a new version
// may not sit below the newest one loaded. On error the previous contents
// stay in place.
func (r *Registry) Load(files []model.DefinitionFile) error {
	if err := r.validator.Validate(files); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()

	var (
		wfs     []*Workflow
		cls     []*Checklist
		sums    []string
		details []model.FieldError
	)
	seenWf := make(map[model.TemplateRef]bool)
	seenCl := make(map[model.TemplateRef]bool)
	for _, f := range files {
		for i := range f.Workflows {
			w := compileWorkflow(f.Workflows[i])
			ref := w.Template.Ref()
			prev, loaded := cur.workflows[ref]
			if d, ok := checkVersion("workflow", ref, loaded && prev.Digest != w.Digest, loaded, topVersion(cur.workflows, ref)); !ok {
				details = append(details, d)
				continue
			}
			if loaded {
				w = prev
			}
			seenWf[ref] = true
			wfs = append(wfs, w)
		}
		for i := range f.Checklists {
			c := compileChecklist(f.Checklists[i])
			ref := c.Template.Ref()
			prev, loaded := cur.checklists[ref]
			if d, ok := checkVersion("checklist", ref, loaded && prev.Digest != c.Digest, loaded, topVersion(cur.checklists, ref)); !ok {
				details = append(details, d)
				continue
			}
			if loaded {
				c = prev
			}
			seenCl[ref] = true
			cls = append(cls, c)
		}
		sums = append(sums, f.Checksum)
	}
	if len(details) > 0 {
		return &model.ErrorEnvelope{
			Code:    model.ErrInvalidTemplate,
			Message: "definitions conflict with loaded template versions",
			Details: details,
		}
	}

	retiredWf := make(map[model.TemplateRef]bool)
	for ref, w := range cur.workflows {
		if !seenWf[ref] {
			retiredWf[ref] = true
			wfs = append(wfs, w)
		}
	}
	retiredCl := make(map[model.TemplateRef]bool)
	for ref, c := range cur.checklists {
		if !seenCl[ref] {
			retiredCl[ref] = true
			cls = append(cls, c)
		}
	}

	r.snap.Store(buildSnapshot(wfs, cls, retiredWf, retiredCl, sums))
	return nil
}

func checkVersion(kind string, ref model.TemplateRef, changed, loaded bool, top int) (model.FieldError, bool) {
	field := fmt.Sprintf("%s[%s/%s].version", kind, ref.TenantID, ref.ID)
	switch {
	case changed:
		return model.FieldError{
			Field:   field,
			Code:    CodeVersionChanged,
			Message: fmt.Sprintf("%s %q version %d is already loaded with different content; publish a new version", kind, ref.ID, ref.Version),
		}, false
	case !loaded && ref.Version < top:
		return model.FieldError{
			Field:   field,
			Code:    CodeVersionLowered,
			Message: fmt.Sprintf("%s %q version %d is below loaded version %d", kind, ref.ID, ref.Version, top),
		}, false
	}
	return model.FieldError{}, true
}

// topVersion returns the newest version loaded for ref's tenant and id.
func topVersion[T any](loaded map[model.TemplateRef]T, ref model.TemplateRef) int {
	top := 0
	for r := range loaded {
		if r.TenantID == ref.TenantID && r.ID == ref.ID && r.Version > top {
			top = r.Version
		}
	}
	return top
}

// PublishWorkflow validates tmpl and adds it as the next version of its id
// within the tenant.
func (r *Registry) PublishWorkflow(tmpl model.WorkflowTemplate) (*Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	tmpl.Version = 1
	for ref := range cur.workflows {
		if ref.TenantID == tmpl.TenantID && ref.ID == tmpl.ID && ref.Version >= tmpl.Version {
			tmpl.Version = ref.Version + 1
		}
	}
	if tmpl.TenantID == "" {
		return nil, model.NewInvalidTemplateError(tmpl.ID, []model.FieldError{{Field: "tenant_id", Code: CodeInvalidField, Message: "tenant_id is required"}})
	}
	if details := r.validator.ValidateWorkflow(&tmpl); len(details) > 0 {
		return nil, model.NewInvalidTemplateError(tmpl.ID, details)
	}

	wf := compileWorkflow(tmpl)
	wfs := make([]*Workflow, 0, len(cur.workflows)+1)
	for _, w := range cur.workflows {
		wfs = append(wfs, w)
	}
	cls := make([]*Checklist, 0, len(cur.checklists))
	for _, c := range cur.checklists {
		cls = append(cls, c)
	}
	r.snap.Store(buildSnapshot(append(wfs, wf), cls, cur.retiredWorkflows, cur.retiredChecklists, cur.checksums))
	return wf, nil
}

// PublishChecklist validates tmpl and adds it as the next version of its id
// within the tenant. Cyclic dependencies are rejected here.
func (r *Registry) PublishChecklist(tmpl model.ChecklistTemplate) (*Checklist, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	tmpl.Version = 1
	for ref := range cur.checklists {
		if ref.TenantID == tmpl.TenantID && ref.ID == tmpl.ID && ref.Version >= tmpl.Version {
			tmpl.Version = ref.Version + 1
		}
	}
	if tmpl.TenantID == "" {
		return nil, model.NewInvalidTemplateError(tmpl.ID, []model.FieldError{{Field: "tenant_id", Code: CodeInvalidField, Message: "tenant_id is required"}})
	}
	if details := r.validator.ValidateChecklist(&tmpl); len(details) > 0 {
		return nil, model.NewInvalidTemplateError(tmpl.ID, details)
	}

	cl := compileChecklist(tmpl)
	wfs := make([]*Workflow, 0, len(cur.workflows))
	for _, w := range cur.workflows {
		wfs = append(wfs, w)
	}
	cls := make([]*Checklist, 0, len(cur.checklists)+1)
	for _, c := range cur.checklists {
		cls = append(cls, c)
	}
	r.snap.Store(buildSnapshot(wfs, append(cls, cl), cur.retiredWorkflows, cur.retiredChecklists, cur.checksums))
	return cl, nil
}

func compileWorkflow(t model.WorkflowTemplate) *Workflow {
	tmpl := t
	return &Workflow{Template: &tmpl, Machine: CompileStageMachine(&tmpl), Digest: digest(&tmpl)}
}

func compileChecklist(t model.ChecklistTemplate) *Checklist {
	tmpl := t
	return &Checklist{Template: &tmpl, Graph: BuildDependencyGraph(&tmpl), Digest: digest(&tmpl)}
}

func digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

func buildSnapshot(wfs []*Workflow, cls []*Checklist, retiredWf, retiredCl map[model.TemplateRef]bool, sums []string) *snapshot {
	s := &snapshot{
		workflows:         make(map[model.TemplateRef]*Workflow, len(wfs)),
		checklists:        make(map[model.TemplateRef]*Checklist, len(cls)),
		latestWorkflow:    make(map[idKey]*Workflow),
		latestChecklist:   make(map[idKey]*Checklist),
		defaults:          make(map[entityKey]*Workflow),
		retiredWorkflows:  retiredWf,
		retiredChecklists: retiredCl,
		checksums:         sums,
	}

	for _, w := range wfs {
		t := w.Template
		ref := t.Ref()
		s.workflows[ref] = w
		if !t.IsActive || retiredWf[ref] {
			continue
		}
		k := idKey{t.TenantID, t.ID}
		if prev, ok := s.latestWorkflow[k]; !ok || prev.Template.Version < t.Version {
			s.latestWorkflow[k] = w
		}
		if t.IsDefault {
			ek := entityKey{t.TenantID, t.EntityType}
			if prev, ok := s.defaults[ek]; !ok || isPreferredDefault(t, prev.Template) {
				s.defaults[ek] = w
			}
		}
	}
	for _, c := range cls {
		t := c.Template
		ref := t.Ref()
		s.checklists[ref] = c
		if !t.IsActive || retiredCl[ref] {
			continue
		}
		k := idKey{t.TenantID, t.ID}
		if prev, ok := s.latestChecklist[k]; !ok || prev.Template.Version < t.Version {
			s.latestChecklist[k] = c
		}
	}

	parts := append([]string(nil), sums...)
	sort.Strings(parts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
	return s
}

// isPreferredDefault picks the highest version, then the lowest id, so the
// choice does not depend on load order.
func isPreferredDefault(cand, cur *model.WorkflowTemplate) bool {
	if cand.Version != cur.Version {
		return cand.Version > cur.Version
	}
	return cand.ID < cur.ID
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Workflow returns the exact template version an instance is pinned to.
// Inactive versions still resolve.
func (r *Registry) Workflow(ref model.TemplateRef) (*Workflow, error) {
	w, ok := r.current().workflows[ref]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow template %q version %d not found", ref.ID, ref.Version))
	}
	return w, nil
}

// ResolveWorkflow picks the template for a new instance. An empty templateID
// selects the tenant's default for entityType; otherwise the newest active
// version of templateID is used and must govern entityType.
func (r *Registry) ResolveWorkflow(tenantID, entityType, templateID string) (*Workflow, error) {
	s := r.current()
	if templateID == "" {
		w, ok := s.defaults[entityKey{tenantID, entityType}]
		if !ok {
			return nil, model.NewNotFoundError(fmt.Sprintf("no default workflow template for %s", entityType))
		}
		return w, nil
	}
	w, ok := s.latestWorkflow[idKey{tenantID, templateID}]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow template %q not found", templateID))
	}
	if w.Template.EntityType != entityType {
		return nil, model.NewBadRequestError(fmt.Sprintf("workflow template %q governs %s, not %s", templateID, w.Template.EntityType, entityType))
	}
	return w, nil
}

// Checklist returns the exact template version a progress record is pinned to.
func (r *Registry) Checklist(ref model.TemplateRef) (*Checklist, error) {
	c, ok := r.current().checklists[ref]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("checklist template %q version %d not found", ref.ID, ref.Version))
	}
	return c, nil
}

// LatestChecklist returns the newest active version of a checklist template.
func (r *Registry) LatestChecklist(tenantID, templateID string) (*Checklist, error) {
	c, ok := r.current().latestChecklist[idKey{tenantID, templateID}]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("checklist template %q not found", templateID))
	}
	return c, nil
}

// Count returns the number of template versions loaded.
func (r *Registry) Count() int {
	s := r.current()
	return len(s.workflows) + len(s.checklists)
}

// Checksum returns the combined checksum of all loaded definition files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
