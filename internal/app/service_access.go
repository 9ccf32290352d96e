package app

import (
	"context"

	"abode/collab/internal/access"
	"abode/collab/internal/errs"
	"abode/collab/internal/events"
	"abode/collab/internal/rbac"
)

// CreateProject seeds ownerID as the project's first admin.
func (s *Service) CreateProject(ctx context.Context, projectID, ownerID string) (access.Collaborator, error) {
	const op = "create project"
	unlock := s.lockProject(projectID)
	defer unlock()

	if s.access.Count(projectID) > 0 {
		return access.Collaborator{}, errs.InvalidState(op, "project %s already exists", projectID)
	}
	owner, err := s.access.Add(projectID, ownerID, rbac.RoleAdmin, ownerID)
	if err != nil {
		return access.Collaborator{}, err
	}
	s.saveCollaborator(owner)
	return owner, nil
}

func (s *Service) AddCollaborator(ctx context.Context, projectID, actingUser, userID string, role rbac.Role) (access.Collaborator, error) {
	const op = "add collaborator"
	if err := s.authorize(op, projectID, actingUser, rbac.CanShare); err != nil {
		return access.Collaborator{}, err
	}
	unlock := s.lockProject(projectID)
	defer unlock()

	collaborator, err := s.access.Add(projectID, userID, role, actingUser)
	if err != nil {
		return access.Collaborator{}, err
	}
	s.publish(events.CollaboratorAdded, projectID, actingUser, events.CollaboratorPayload{
		UserID:  collaborator.UserID,
		Role:    string(collaborator.Role),
		AddedBy: actingUser,
	})
	s.saveCollaborator(collaborator)
	return collaborator, nil
}

// RemoveCollaborator refuses to remove the last admin.
func (s *Service) RemoveCollaborator(ctx context.Context, projectID, actingUser, userID string) error {
	const op = "remove collaborator"
	if err := s.authorize(op, projectID, actingUser, rbac.CanShare); err != nil {
		return err
	}
	unlock := s.lockProject(projectID)
	defer unlock()

	existing, err := s.access.Get(projectID, userID)
	if err != nil {
		return errs.NotFound(op, "user %s is not a collaborator on %s", userID, projectID)
	}
	if existing.Role == rbac.RoleAdmin && s.adminCount(projectID) == 1 {
		return errs.InvalidState(op, "project %s must keep at least one admin", projectID)
	}
	if _, err := s.access.Remove(projectID, userID); err != nil {
		return err
	}
	s.publish(events.CollaboratorRemoved, projectID, actingUser, events.CollaboratorPayload{
		UserID: userID,
		Role:   string(existing.Role),
	})
	s.persistWith(projectID, "delete collaborator", func(ctx context.Context, st dataStore) error {
		return st.DeleteCollaborator(ctx, projectID, userID)
	})
	return nil
}

func (s *Service) UpdateCollaboratorRole(ctx context.Context, projectID, actingUser, userID string, role rbac.Role) (access.Collaborator, error) {
	const op = "update collaborator role"
	if err := s.authorize(op, projectID, actingUser, rbac.CanShare); err != nil {
		return access.Collaborator{}, err
	}
	unlock := s.lockProject(projectID)
	defer unlock()

	existing, err := s.access.Get(projectID, userID)
	if err != nil {
		return access.Collaborator{}, errs.NotFound(op, "user %s is not a collaborator on %s", userID, projectID)
	}
	if existing.Role == rbac.RoleAdmin && role != rbac.RoleAdmin && s.adminCount(projectID) == 1 {
		return access.Collaborator{}, errs.InvalidState(op, "project %s must keep at least one admin", projectID)
	}
	collaborator, err := s.access.UpdateRole(projectID, userID, role)
	if err != nil {
		return access.Collaborator{}, err
	}
	s.publish(events.CollaboratorRoleUpdated, projectID, actingUser, events.CollaboratorPayload{
		UserID: userID,
		Role:   string(role),
	})
	s.saveCollaborator(collaborator)
	return collaborator, nil
}

// CheckPermission is false when the user is not a collaborator.
func (s *Service) CheckPermission(ctx context.Context, projectID, userID string, capability rbac.Capability) bool {
	return s.access.Check(projectID, userID, capability)
}

func (s *Service) GetCollaborators(ctx context.Context, projectID string) []access.Collaborator {
	return s.access.List(projectID)
}

func (s *Service) adminCount(projectID string) int {
	n := 0
	for _, c := range s.access.List(projectID) {
		if c.Role == rbac.RoleAdmin {
			n++
		}
	}
	return n
}

func (s *Service) saveCollaborator(c access.Collaborator) {
	s.persistWith(c.ProjectID, "upsert collaborator", func(ctx context.Context, st dataStore) error {
		return st.UpsertCollaborator(ctx, c)
	})
}
