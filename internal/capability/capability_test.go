package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

func testRctx(subject, tenant string, roles ...string) *model.RequestContext {
	return &model.RequestContext{SubjectID: subject, TenantID: tenant, Roles: roles}
}

func loadDirectory(t *testing.T) *StaticDirectory {
	t.Helper()
	d, err := NewStaticDirectory("testdata/directory.yaml")
	if err != nil {
		t.Fatalf("NewStaticDirectory() error = %v", err)
	}
	return d
}

// --- StaticDirectory tests ---

func TestStaticDirectory_RolesFor(t *testing.T) {
	d := loadDirectory(t)

	roles, _ := d.RolesFor(context.Background(), "acme", "alice")
	if len(roles) != 1 || roles[0] != "compliance:lead" {
		t.Errorf("roles = %v, want [compliance:lead]", roles)
	}

	// Same user, different tenant.
	roles, _ = d.RolesFor(context.Background(), "globex", "alice")
	if len(roles) != 1 || roles[0] != "viewer" {
		t.Errorf("globex roles = %v, want [viewer]", roles)
	}

	roles, _ = d.RolesFor(context.Background(), "acme", "nobody")
	if len(roles) != 0 {
		t.Errorf("unknown user roles = %v, want none", roles)
	}
}

func TestStaticDirectory_MembersSortedByID(t *testing.T) {
	d := loadDirectory(t)

	members, err := d.Members(context.Background(), "acme", "investigations")
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	if members[0].UserID != "alice" || members[1].UserID != "carol" {
		t.Errorf("order = [%s %s], want [alice carol]", members[0].UserID, members[1].UserID)
	}
	if members[1].Region != "us" || !members[1].HasSkill("aml") {
		t.Errorf("carol = %+v, want region us with aml", members[1])
	}
}

func TestStaticDirectory_UnknownTeam(t *testing.T) {
	d := loadDirectory(t)
	members, err := d.Members(context.Background(), "acme", "ghosts")
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 0 {
		t.Errorf("members = %v, want none", members)
	}
}

func TestStaticDirectory_ManagerOf(t *testing.T) {
	d := loadDirectory(t)

	mgr, _ := d.ManagerOf(context.Background(), "acme", "carol")
	if mgr != "bob" {
		t.Errorf("manager = %q, want bob", mgr)
	}
	mgr, _ = d.ManagerOf(context.Background(), "acme", "bob")
	if mgr != "" {
		t.Errorf("manager = %q, want empty", mgr)
	}
}

func TestStaticDirectory_CurrentLoad(t *testing.T) {
	d := loadDirectory(t)
	load, _ := d.CurrentLoad(context.Background(), "acme", "investigations")
	if load["alice"] != 3 || load["carol"] != 1 {
		t.Errorf("load = %v, want alice:3 carol:1", load)
	}
}

func TestStaticDirectory_MissingFile(t *testing.T) {
	if _, err := NewStaticDirectory("testdata/nope.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStaticDirectory_FromBytes(t *testing.T) {
	d, err := NewStaticDirectoryFromBytes([]byte("tenants:\n  t1:\n    teams:\n      q: [u1]\n"))
	if err != nil {
		t.Fatalf("NewStaticDirectoryFromBytes() error = %v", err)
	}
	members, _ := d.Members(context.Background(), "t1", "q")
	if len(members) != 1 || members[0].UserID != "u1" {
		t.Errorf("members = %v, want [u1]", members)
	}
	if err := d.Sync(); err != nil {
		t.Errorf("Sync() on in-memory directory error = %v", err)
	}
}

// --- Resolver tests ---

type countingSource struct {
	roles map[string][]string
	calls int
	err   error
}

func (s *countingSource) RolesFor(_ context.Context, tenantID, subjectID string) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.roles[subjectID+":"+tenantID], nil
}

func TestResolver_MergesRequestAndDirectoryRoles(t *testing.T) {
	r := NewResolver(loadDirectory(t), time.Minute, nil)

	roles, err := r.Roles(testRctx("carol", "acme", "auditor"))
	if err != nil {
		t.Fatalf("Roles() error = %v", err)
	}
	if !roles.Has("auditor") || !roles.Has("investigator") {
		t.Errorf("roles = %v, want auditor and investigator", roles)
	}
}

func TestResolver_WildcardFromDirectory(t *testing.T) {
	r := NewResolver(loadDirectory(t), time.Minute, nil)

	roles, _ := r.Roles(testRctx("bob", "acme"))
	if !roles.Has("compliance:lead") {
		t.Error("compliance:* should grant compliance:lead")
	}
	if roles.Has("investigator") {
		t.Error("compliance:* should not grant investigator")
	}
}

func TestResolver_CachesDirectoryLookups(t *testing.T) {
	src := &countingSource{roles: map[string][]string{"u1:t1": {"a"}}}
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	r := NewResolver(src, time.Minute, m)

	r.Roles(testRctx("u1", "t1"))
	r.Roles(testRctx("u1", "t1"))

	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1", src.calls)
	}
	if v := testutil.ToFloat64(m.RoleCacheHitsTotal); v != 1 {
		t.Errorf("cache hits = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.RoleCacheMissesTotal); v != 1 {
		t.Errorf("cache misses = %v, want 1", v)
	}
}

func TestResolver_CacheIsPerTenant(t *testing.T) {
	src := &countingSource{roles: map[string][]string{"u1:t1": {"a"}, "u1:t2": {"b"}}}
	r := NewResolver(src, time.Minute, nil)

	r1, _ := r.Roles(testRctx("u1", "t1"))
	r2, _ := r.Roles(testRctx("u1", "t2"))

	if !r1.Has("a") || r1.Has("b") {
		t.Errorf("t1 roles = %v, want only a", r1)
	}
	if !r2.Has("b") || r2.Has("a") {
		t.Errorf("t2 roles = %v, want only b", r2)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	src := &countingSource{roles: map[string][]string{"u1:t1": {"a"}}}
	r := NewResolver(src, time.Minute, nil)

	r.Roles(testRctx("u1", "t1"))
	r.Invalidate("u1", "t1")
	r.Roles(testRctx("u1", "t1"))

	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2 after invalidate", src.calls)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	src := &countingSource{roles: map[string][]string{"u1:t1": {"a"}}}
	r := NewResolver(src, 10*time.Millisecond, nil)

	r.Roles(testRctx("u1", "t1"))
	time.Sleep(20 * time.Millisecond)
	r.Roles(testRctx("u1", "t1"))

	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2 after TTL", src.calls)
	}
}

func TestResolver_SourceError(t *testing.T) {
	src := &countingSource{err: errors.New("directory down")}
	r := NewResolver(src, time.Minute, nil)

	if _, err := r.Roles(testRctx("u1", "t1")); err == nil {
		t.Fatal("expected error from source")
	}
	// Errors are not cached.
	r.Roles(testRctx("u1", "t1"))
	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2", src.calls)
	}
}

func TestResolver_NilSourceUsesRequestRoles(t *testing.T) {
	r := NewResolver(nil, time.Minute, nil)
	roles, err := r.Roles(testRctx("u1", "t1", "x"))
	if err != nil {
		t.Fatalf("Roles() error = %v", err)
	}
	if !roles.Has("x") {
		t.Error("expected request role x")
	}
}

func TestResolver_ImplementsInterface(t *testing.T) {
	var _ model.RoleResolver = NewResolver(nil, time.Minute, nil)
}
