// Package access keeps the collaborator set of every project and answers
// permission checks against it.
package access

import (
	"sort"
	"sync"
	"time"

	"abode/collab/internal/errs"
	"abode/collab/internal/rbac"
	"abode/collab/internal/shard"
)

type Collaborator struct {
	ProjectID   string           `json:"projectId"`
	UserID      string           `json:"userId"`
	Role        rbac.Role        `json:"role"`
	Permissions rbac.Permissions `json:"permissions"`
	AddedBy     string           `json:"addedBy"`
	AddedAt     time.Time        `json:"addedAt"`
}

type project struct {
	mu      sync.RWMutex
	members map[string]Collaborator
}

type Registry struct {
	projects *shard.Map[project]
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		projects: shard.New(func(string) *project {
			return &project{members: make(map[string]Collaborator)}
		}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Add(projectID, userID string, role rbac.Role, addedBy string) (Collaborator, error) {
	if projectID == "" || userID == "" {
		return Collaborator{}, errs.InvalidState("add collaborator", "project and user are required")
	}
	if _, ok := rbac.ParseRole(string(role)); !ok {
		return Collaborator{}, errs.InvalidState("add collaborator", "invalid role %q", role)
	}

	p := r.projects.Get(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.members[userID]; exists {
		return Collaborator{}, errs.InvalidState("add collaborator", "user %s is already a collaborator on %s", userID, projectID)
	}
	collaborator := Collaborator{
		ProjectID:   projectID,
		UserID:      userID,
		Role:        role,
		Permissions: rbac.PermissionsFor(role),
		AddedBy:     addedBy,
		AddedAt:     r.now(),
	}
	p.members[userID] = collaborator
	return collaborator, nil
}

func (r *Registry) Remove(projectID, userID string) (Collaborator, error) {
	p, ok := r.projects.Lookup(projectID)
	if !ok {
		return Collaborator{}, errs.NotFound("remove collaborator", "user %s on %s", userID, projectID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	collaborator, exists := p.members[userID]
	if !exists {
		return Collaborator{}, errs.NotFound("remove collaborator", "user %s on %s", userID, projectID)
	}
	delete(p.members, userID)
	return collaborator, nil
}

func (r *Registry) UpdateRole(projectID, userID string, role rbac.Role) (Collaborator, error) {
	if _, ok := rbac.ParseRole(string(role)); !ok {
		return Collaborator{}, errs.InvalidState("update collaborator role", "invalid role %q", role)
	}
	p, ok := r.projects.Lookup(projectID)
	if !ok {
		return Collaborator{}, errs.NotFound("update collaborator role", "user %s on %s", userID, projectID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	collaborator, exists := p.members[userID]
	if !exists {
		return Collaborator{}, errs.NotFound("update collaborator role", "user %s on %s", userID, projectID)
	}
	collaborator.Role = role
	collaborator.Permissions = rbac.PermissionsFor(role)
	p.members[userID] = collaborator
	return collaborator, nil
}

// Check is false for every capability when the user is not a collaborator.
func (r *Registry) Check(projectID, userID string, capability rbac.Capability) bool {
	collaborator, err := r.Get(projectID, userID)
	if err != nil {
		return false
	}
	return rbac.Can(collaborator.Role, capability)
}

func (r *Registry) Get(projectID, userID string) (Collaborator, error) {
	p, ok := r.projects.Lookup(projectID)
	if !ok {
		return Collaborator{}, errs.NotFound("get collaborator", "user %s on %s", userID, projectID)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	collaborator, exists := p.members[userID]
	if !exists {
		return Collaborator{}, errs.NotFound("get collaborator", "user %s on %s", userID, projectID)
	}
	return collaborator, nil
}

// List returns collaborators ordered by when they were added.
func (r *Registry) List(projectID string) []Collaborator {
	p, ok := r.projects.Lookup(projectID)
	if !ok {
		return []Collaborator{}
	}
	p.mu.RLock()
	out := make([]Collaborator, 0, len(p.members))
	for _, collaborator := range p.members {
		out = append(out, collaborator)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (r *Registry) Count(projectID string) int {
	p, ok := r.projects.Lookup(projectID)
	if !ok {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

func (r *Registry) Projects() []string {
	return r.projects.Keys()
}

// Load installs a previously persisted collaborator, replacing any existing
// record for the same user. Permissions are rederived from the role.
func (r *Registry) Load(collaborator Collaborator) {
	collaborator.Permissions = rbac.PermissionsFor(collaborator.Role)
	p := r.projects.Get(collaborator.ProjectID)
	p.mu.Lock()
	p.members[collaborator.UserID] = collaborator
	p.mu.Unlock()
}
