package capability

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/caseflow/model"
)

type directoryFile struct {
	Tenants map[string]tenantEntry `yaml:"tenants"`
}

type tenantEntry struct {
	Users map[string]userEntry `yaml:"users"`
	Teams map[string][]string  `yaml:"teams"`
	Load  map[string]int       `yaml:"load"`
}

type userEntry struct {
	Roles   []string `yaml:"roles"`
	Manager string   `yaml:"manager"`
	Skills  []string `yaml:"skills"`
	Region  string   `yaml:"region"`
}

// StaticDirectory serves tenant users, teams and reporting lines from a YAML
// file:
//
//	tenants:
//	  acme:
//	    users:
//	      alice: {roles: [compliance:lead], manager: bob, skills: [aml], region: eu}
//	    teams:
//	      investigations: [alice, carol]
//	    load:
//	      alice: 3
//
// The load section seeds open work counts when no live load source is wired.
type StaticDirectory struct {
	path string
	mu   sync.RWMutex
	dir  directoryFile
}

// NewStaticDirectory loads the directory at path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStaticDirectoryFromBytes parses a directory held in memory. The result
// cannot be re-synced.
func NewStaticDirectoryFromBytes(data []byte) (*StaticDirectory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("capability: parsing directory: %w", err)
	}
	return &StaticDirectory{dir: f}, nil
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("capability: reading directory file %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("capability: parsing directory file %s: %w", d.path, err)
	}

	d.mu.Lock()
	d.dir = f
	d.mu.Unlock()
	return nil
}

// RolesFor returns the roles the directory grants the user in the tenant.
func (d *StaticDirectory) RolesFor(_ context.Context, tenantID, subjectID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dir.Tenants[tenantID].Users[subjectID].Roles...), nil
}

// Members returns the members of a team ordered by user id. An unknown team
// yields no members.
func (d *StaticDirectory) Members(_ context.Context, tenantID, teamID string) ([]model.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tenant := d.dir.Tenants[tenantID]
	ids := append([]string(nil), tenant.Teams[teamID]...)
	sort.Strings(ids)

	members := make([]model.Member, 0, len(ids))
	for _, id := range ids {
		u := tenant.Users[id]
		members = append(members, model.Member{UserID: id, Skills: u.Skills, Region: u.Region})
	}
	return members, nil
}

// ManagerOf returns the user's manager, or "" when none is recorded.
func (d *StaticDirectory) ManagerOf(_ context.Context, tenantID, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dir.Tenants[tenantID].Users[userID].Manager, nil
}

// CurrentLoad returns the seeded open work count of every member of the team.
func (d *StaticDirectory) CurrentLoad(_ context.Context, tenantID, teamID string) (map[string]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tenant := d.dir.Tenants[tenantID]
	load := make(map[string]int, len(tenant.Teams[teamID]))
	for _, id := range tenant.Teams[teamID] {
		load[id] = tenant.Load[id]
	}
	return load, nil
}
