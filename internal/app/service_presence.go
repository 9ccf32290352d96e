package app

import (
	"context"

	"abode/collab/internal/events"
	"abode/collab/internal/presence"
	"abode/collab/internal/pubsub"
	"abode/collab/internal/rbac"
)

// JoinProject opens or replaces the caller's presence session.
func (s *Service) JoinProject(ctx context.Context, projectID, userID, displayName string) (presence.Session, error) {
	if err := s.authorize("join project", projectID, userID, rbac.CanView); err != nil {
		return presence.Session{}, err
	}
	session, err := s.presence.Join(projectID, userID, displayName)
	if err != nil {
		return presence.Session{}, err
	}
	s.publish(events.UserJoined, projectID, userID, session)
	s.syncMirror(projectID, userID, "mirror join")
	return session, nil
}

// LeaveProject drops the session. It reports whether one existed.
func (s *Service) LeaveProject(ctx context.Context, projectID, userID string) bool {
	if !s.presence.Leave(projectID, userID) {
		return false
	}
	s.publish(events.UserLeft, projectID, userID, nil)
	s.syncMirror(projectID, userID, "mirror leave")
	return true
}

// ExpireSession is called by transports that lost a client without a leave.
// The hub's expiry hook announces the departure.
func (s *Service) ExpireSession(ctx context.Context, projectID, userID string) bool {
	return s.presence.Expire(projectID, userID)
}

// sessionExpired runs for sessions dropped by ExpireSession or the sweep.
func (s *Service) sessionExpired(session presence.Session) {
	s.publish(events.UserLeft, session.ProjectID, session.UserID, map[string]any{"expired": true})
	s.syncMirror(session.ProjectID, session.UserID, "mirror expire")
}

func (s *Service) Heartbeat(ctx context.Context, projectID, userID string) (presence.Session, error) {
	session, err := s.presence.Heartbeat(projectID, userID)
	if err != nil {
		return presence.Session{}, err
	}
	if s.mirror != nil {
		s.enqueue(projectID, "mirror heartbeat", func(ctx context.Context) error {
			alive, err := s.mirror.Touch(ctx, projectID, userID)
			if err != nil || alive {
				return err
			}
			return s.copySession(ctx, projectID, userID)
		})
	}
	return session, nil
}

func (s *Service) UpdateCursor(ctx context.Context, projectID, userID string, cursor presence.Cursor) (presence.Session, error) {
	session, err := s.presence.UpdateCursor(projectID, userID, cursor)
	if err != nil {
		return presence.Session{}, err
	}
	s.publish(events.CursorMoved, projectID, userID, cursor)
	return session, nil
}

func (s *Service) UpdateSelection(ctx context.Context, projectID, userID string, selection presence.Selection) (presence.Session, error) {
	session, err := s.presence.UpdateSelection(projectID, userID, selection)
	if err != nil {
		return presence.Session{}, err
	}
	s.publish(events.SelectionChanged, projectID, userID, selection)
	return session, nil
}

func (s *Service) GetActiveUsers(ctx context.Context, projectID string) []presence.Session {
	return s.presence.ActiveUsers(projectID)
}

// GetClusterActiveUsers reads presence as mirrored by every API node.
func (s *Service) GetClusterActiveUsers(ctx context.Context, projectID string) ([]presence.Session, error) {
	if s.mirror == nil {
		return s.presence.ActiveUsers(projectID), nil
	}
	return s.mirror.ActiveUsers(ctx, projectID)
}

func (s *Service) GetPresence(ctx context.Context, projectID, userID string) (presence.Session, error) {
	return s.presence.Presence(projectID, userID)
}

func (s *Service) OnCursorMove(projectID string) *pubsub.Subscription[presence.Event] {
	return s.presence.OnCursorMove(projectID)
}

func (s *Service) OnSelectionChange(projectID string) *pubsub.Subscription[presence.Event] {
	return s.presence.OnSelectionChange(projectID)
}

func (s *Service) OnPresence(projectID string) *pubsub.Subscription[presence.Event] {
	return s.presence.OnPresence(projectID)
}

// syncMirror queues a job that copies the user's session, or its absence,
// from the hub as it stands when the job runs.
func (s *Service) syncMirror(projectID, userID, op string) {
	if s.mirror == nil {
		return
	}
	s.enqueue(projectID, op, func(ctx context.Context) error {
		return s.copySession(ctx, projectID, userID)
	})
}

func (s *Service) copySession(ctx context.Context, projectID, userID string) error {
	session, err := s.presence.Presence(projectID, userID)
	if err != nil {
		return s.mirror.Remove(ctx, projectID, userID)
	}
	return s.mirror.Put(ctx, session)
}

