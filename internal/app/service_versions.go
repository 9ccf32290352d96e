package app

import (
	"context"

	"abode/collab/internal/archive"
	"abode/collab/internal/changes"
	"abode/collab/internal/events"
	"abode/collab/internal/rbac"
	"abode/collab/internal/state"
	"abode/collab/internal/versions"
)

// ProjectStateType is the object type of restore audit changes.
const ProjectStateType = "project-state"

func ProjectStateObjectID(projectID string) string {
	return ProjectStateType + ":" + projectID
}

func (s *Service) CreateVersion(ctx context.Context, projectID, userID, message string, snapshot state.Value) (versions.Version, error) {
	if err := s.authorize("create version", projectID, userID, rbac.CanEdit); err != nil {
		return versions.Version{}, err
	}
	unlock := s.lockProject(projectID)
	defer unlock()

	version, err := s.versions.Create(projectID, userID, message, snapshot)
	if err != nil {
		return versions.Version{}, err
	}
	s.publish(events.VersionCreated, projectID, userID, map[string]any{
		"versionId":     version.ID,
		"versionNumber": version.VersionNumber,
		"message":       version.Message,
	})

	current := versions.Current{
		ProjectID:     projectID,
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		UpdatedBy:     userID,
		UpdatedAt:     version.CreatedAt,
	}
	s.persistWith(projectID, "insert version", func(ctx context.Context, st dataStore) error {
		if err := st.InsertVersion(ctx, version); err != nil {
			return err
		}
		return st.UpsertCurrent(ctx, current)
	})
	if s.archive != nil {
		s.enqueue(projectID, "archive version", func(context.Context) error {
			_, err := s.archive.Archive(version)
			return err
		})
	}
	return version, nil
}

func (s *Service) GetVersionHistory(ctx context.Context, projectID string) []versions.Version {
	return s.versions.History(projectID)
}

func (s *Service) GetVersion(ctx context.Context, versionID string) (versions.Version, error) {
	return s.versions.Get(versionID)
}

// RestoreVersion moves the current pointer back to versionID and records the
// move as a project-state change so the audit trail stays complete.
func (s *Service) RestoreVersion(ctx context.Context, projectID, versionID, userID string) (versions.Current, error) {
	if err := s.authorize("restore version", projectID, userID, rbac.CanEdit); err != nil {
		return versions.Current{}, err
	}
	unlock := s.lockProject(projectID)
	defer unlock()

	current, previous, err := s.versions.Restore(projectID, versionID, userID)
	if err != nil {
		return versions.Current{}, err
	}

	before := state.Value{}
	if previous != nil && previous.Snapshot != nil {
		before = previous.Snapshot
	}
	after := state.Value{}
	if current.Snapshot != nil {
		after = current.Snapshot
	}
	audit, err := s.tracker.Record(changes.Input{
		ProjectID:  projectID,
		UserID:     userID,
		Action:     changes.ActionModify,
		ObjectType: ProjectStateType,
		ObjectID:   ProjectStateObjectID(projectID),
		Before:     before,
		After:      after,
		Source:     changes.SourceRestore,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("project_id", projectID).Str("version_id", versionID).Msg("record restore change")
	}

	s.publish(events.VersionRestored, projectID, userID, map[string]any{
		"versionId":     current.VersionID,
		"versionNumber": current.VersionNumber,
	})
	s.persistWith(projectID, "restore version", func(ctx context.Context, st dataStore) error {
		if err := st.UpsertCurrent(ctx, current); err != nil {
			return err
		}
		if audit.ID == "" {
			return nil
		}
		return st.InsertChange(ctx, audit)
	})
	return current, nil
}

func (s *Service) GetCurrentVersion(ctx context.Context, projectID string) (versions.Current, error) {
	return s.versions.Current(projectID)
}

func (s *Service) CompareVersions(ctx context.Context, projectID, aID, bID string) (state.Diff, error) {
	return s.versions.Compare(projectID, aID, bID)
}

// GetArchiveHistory lists archived versions, newest first.
func (s *Service) GetArchiveHistory(ctx context.Context, projectID string, limit int) ([]archive.Entry, error) {
	if s.archive == nil {
		return []archive.Entry{}, nil
	}
	return s.archive.History(projectID, limit)
}
