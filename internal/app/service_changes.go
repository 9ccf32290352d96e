package app

import (
	"context"

	"abode/collab/internal/activity"
	"abode/collab/internal/changes"
	"abode/collab/internal/errs"
	"abode/collab/internal/events"
	"abode/collab/internal/notify"
	"abode/collab/internal/pubsub"
	"abode/collab/internal/rbac"
)

// TrackChange appends a user change. A conflict is reported on the result and
// never as an error; the change is recorded either way.
func (s *Service) TrackChange(ctx context.Context, in changes.Input) (changes.TrackResult, error) {
	if err := s.authorize("track change", in.ProjectID, in.UserID, rbac.CanEdit); err != nil {
		return changes.TrackResult{}, err
	}
	in.Source = changes.SourceUser
	unlock := s.lockProject(in.ProjectID)
	defer unlock()

	result, err := s.tracker.Track(in)
	if err != nil {
		return changes.TrackResult{}, err
	}
	change := result.Change
	s.publish(events.ChangeTracked, change.ProjectID, change.UserID, change)
	if result.Conflict {
		s.publish(events.ConflictDetected, change.ProjectID, change.UserID, map[string]any{
			"objectId":      change.ObjectID,
			"changeId":      change.ID,
			"conflictsWith": result.ConflictsWith,
		})
		s.logger.Info().
			Str("project_id", change.ProjectID).
			Str("object_id", change.ObjectID).
			Str("change_id", change.ID).
			Str("conflicts_with", result.ConflictsWith).
			Msg("conflict detected")
	}
	s.persistWith(change.ProjectID, "insert change", func(ctx context.Context, st dataStore) error {
		return st.InsertChange(ctx, change)
	})
	return result, nil
}

func (s *Service) GetObjectHistory(ctx context.Context, objectID string) []changes.Change {
	return s.tracker.ObjectHistory(objectID)
}

func (s *Service) GetProjectChanges(ctx context.Context, projectID string) []changes.Change {
	return s.tracker.ProjectChanges(projectID)
}

// DetectConflict checks a candidate against the ledger without recording it.
func (s *Service) DetectConflict(ctx context.Context, candidate changes.Change) bool {
	return s.resolver.Detect(candidate)
}

// ChangeConflict reports whether a recorded change is still in conflict.
func (s *Service) ChangeConflict(ctx context.Context, projectID, changeID string) (bool, error) {
	change, err := s.tracker.Get(changeID, projectID)
	if err != nil {
		return false, err
	}
	return s.resolver.Detect(change), nil
}

func (s *Service) ResolveConflict(ctx context.Context, in changes.ResolveInput) (changes.Resolution, error) {
	if err := s.authorize("resolve conflict", in.ProjectID, in.ResolvedBy, rbac.CanEdit); err != nil {
		return changes.Resolution{}, err
	}
	unlock := s.lockProject(in.ProjectID)
	defer unlock()

	resolution, err := s.resolver.Resolve(in)
	if err != nil {
		return changes.Resolution{}, err
	}
	s.publish(events.ConflictResolved, resolution.ProjectID, resolution.ResolvedBy, map[string]any{
		"objectId":      resolution.ObjectID,
		"resolutionId":  resolution.ID,
		"strategy":      resolution.Strategy,
		"winningUserId": resolution.WinningUserID,
		"conflictIds":   resolution.ConflictIDs,
	})
	s.persistWith(resolution.ProjectID, "insert resolution", func(ctx context.Context, st dataStore) error {
		if resolution.AppliedChange != nil {
			if err := st.InsertChange(ctx, *resolution.AppliedChange); err != nil {
				return err
			}
		}
		return st.InsertResolution(ctx, resolution)
	})
	return resolution, nil
}

func (s *Service) GetOpenConflicts(ctx context.Context, projectID string) []changes.Conflict {
	return s.resolver.OpenConflicts(projectID)
}

func (s *Service) GetResolutions(ctx context.Context, projectID string) []changes.Resolution {
	return s.resolver.Resolutions(projectID)
}

func (s *Service) GetActivityFeed(ctx context.Context, projectID string, filter activity.Filter) []activity.Event {
	return s.feed.Feed(projectID, filter)
}

func (s *Service) OnNotification(userID string) *pubsub.Subscription[notify.Notification] {
	return s.notify.OnNotification(userID)
}

func (s *Service) ListNotifications(ctx context.Context, userID string) []notify.Notification {
	return s.notify.List(userID)
}

// MarkNotificationDelivered acknowledges one of the caller's notifications.
func (s *Service) MarkNotificationDelivered(ctx context.Context, userID, notificationID string) (notify.Notification, error) {
	for _, n := range s.notify.List(userID) {
		if n.ID == notificationID {
			return s.notify.MarkDelivered(notificationID)
		}
	}
	return notify.Notification{}, errs.NotFound("mark notification delivered", "notification %s for user %s", notificationID, userID)
}
