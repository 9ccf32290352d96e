// Package presence tracks who is in each project and where their cursor and
// selection are. Updates are fanned out to per-project pull subscriptions.
package presence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"abode/collab/internal/errs"
	"abode/collab/internal/pubsub"
	"abode/collab/internal/shard"
)

type Cursor struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z,omitempty"`
	ViewID string  `json:"viewId,omitempty"`
}

type Selection struct {
	ObjectIDs []string `json:"objectIds"`
}

type Session struct {
	ProjectID     string     `json:"projectId"`
	UserID        string     `json:"userId"`
	DisplayName   string     `json:"displayName"`
	JoinedAt      time.Time  `json:"joinedAt"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	Cursor        *Cursor    `json:"cursor,omitempty"`
	Selection     *Selection `json:"selection,omitempty"`
}

func (s Session) clone() Session {
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	if s.Selection != nil {
		sel := Selection{ObjectIDs: append([]string{}, s.Selection.ObjectIDs...)}
		s.Selection = &sel
	}
	return s
}

type EventType string

const (
	EventJoined    EventType = "joined"
	EventLeft      EventType = "left"
	EventExpired   EventType = "expired"
	EventCursor    EventType = "cursor"
	EventSelection EventType = "selection"
)

type Event struct {
	Type      EventType  `json:"type"`
	ProjectID string     `json:"projectId"`
	UserID    string     `json:"userId"`
	Session   *Session   `json:"session,omitempty"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
	At        time.Time  `json:"at"`
}

type project struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

type Option func(*Hub)

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithExpiryHook calls fn with every session dropped by Expire or Sweep,
// after the session is gone from the hub.
func WithExpiryHook(fn func(Session)) Option {
	return func(h *Hub) { h.onExpire = fn }
}

type Hub struct {
	projects *shard.Map[project]
	timeout  time.Duration

	cursors    *pubsub.Broker[Event]
	selections *pubsub.Broker[Event]
	presence   *pubsub.Broker[Event]

	logger   zerolog.Logger
	now      func() time.Time
	onExpire func(Session)
}

// NewHub builds a hub whose sessions expire after timeout without a heartbeat.
// A zero timeout disables expiry.
func NewHub(timeout time.Duration, opts ...Option) *Hub {
	h := &Hub{
		projects: shard.New(func(string) *project {
			return &project{sessions: make(map[string]*Session)}
		}),
		timeout:    timeout,
		cursors:    pubsub.NewBroker[Event](),
		selections: pubsub.NewBroker[Event](),
		presence:   pubsub.NewBroker[Event](),
		logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join creates the user's session, replacing any session they already had.
func (h *Hub) Join(projectID, userID, displayName string) (Session, error) {
	if projectID == "" || userID == "" {
		return Session{}, errs.InvalidState("join project", "project and user are required")
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = userID
	}
	now := h.now()
	session := &Session{
		ProjectID:     projectID,
		UserID:        userID,
		DisplayName:   name,
		JoinedAt:      now,
		LastHeartbeat: now,
	}

	p := h.projects.Get(projectID)
	p.mu.Lock()
	p.sessions[userID] = session
	out := session.clone()
	h.presence.Publish(projectID, Event{Type: EventJoined, ProjectID: projectID, UserID: userID, Session: &out, At: now})
	p.mu.Unlock()
	return out.clone(), nil
}

// Leave removes the session immediately. It reports whether one existed.
func (h *Hub) Leave(projectID, userID string) bool {
	_, ok := h.remove(projectID, userID, EventLeft, nil)
	return ok
}

// Expire drops a session whose heartbeat lapsed. Missing sessions are ignored.
func (h *Hub) Expire(projectID, userID string) bool {
	session, ok := h.remove(projectID, userID, EventExpired, nil)
	if ok {
		h.expired(session)
	}
	return ok
}

func (h *Hub) Heartbeat(projectID, userID string) (Session, error) {
	p, ok := h.projects.Lookup(projectID)
	if !ok {
		return Session{}, errs.NotFound("heartbeat", "no session for %s in %s", userID, projectID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[userID]
	if !ok {
		return Session{}, errs.NotFound("heartbeat", "no session for %s in %s", userID, projectID)
	}
	session.LastHeartbeat = h.now()
	return session.clone(), nil
}

func (h *Hub) UpdateCursor(projectID, userID string, cursor Cursor) (Session, error) {
	return h.update("update cursor", projectID, userID, func(s *Session, at time.Time) Event {
		c := cursor
		s.Cursor = &c
		out := c
		return Event{Type: EventCursor, ProjectID: projectID, UserID: userID, Cursor: &out, At: at}
	}, h.cursors)
}

func (h *Hub) UpdateSelection(projectID, userID string, selection Selection) (Session, error) {
	return h.update("update selection", projectID, userID, func(s *Session, at time.Time) Event {
		stored := Selection{ObjectIDs: append([]string{}, selection.ObjectIDs...)}
		s.Selection = &stored
		out := Selection{ObjectIDs: append([]string{}, selection.ObjectIDs...)}
		return Event{Type: EventSelection, ProjectID: projectID, UserID: userID, Selection: &out, At: at}
	}, h.selections)
}

// ActiveUsers returns the project's sessions ordered by join time.
func (h *Hub) ActiveUsers(projectID string) []Session {
	out := []Session{}
	p, ok := h.projects.Lookup(projectID)
	if !ok {
		return out
	}
	p.mu.RLock()
	for _, session := range p.sessions {
		out = append(out, session.clone())
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (h *Hub) Presence(projectID, userID string) (Session, error) {
	if p, ok := h.projects.Lookup(projectID); ok {
		p.mu.RLock()
		defer p.mu.RUnlock()
		if session, ok := p.sessions[userID]; ok {
			return session.clone(), nil
		}
	}
	return Session{}, errs.NotFound("get presence", "no session for %s in %s", userID, projectID)
}

func (h *Hub) OnCursorMove(projectID string) *pubsub.Subscription[Event] {
	return h.cursors.Subscribe(projectID)
}

func (h *Hub) OnSelectionChange(projectID string) *pubsub.Subscription[Event] {
	return h.selections.Subscribe(projectID)
}

// OnPresence delivers joins, leaves and expiries.
func (h *Hub) OnPresence(projectID string) *pubsub.Subscription[Event] {
	return h.presence.Subscribe(projectID)
}

// Sweep expires every session whose last heartbeat is older than the timeout
// at now, and returns the expired sessions.
func (h *Hub) Sweep(now time.Time) []Session {
	if h.timeout <= 0 {
		return nil
	}
	cutoff := now.Add(-h.timeout)
	var expired []Session
	for _, projectID := range h.projects.Keys() {
		p, ok := h.projects.Lookup(projectID)
		if !ok {
			continue
		}
		p.mu.RLock()
		var stale []string
		for userID, session := range p.sessions {
			if session.LastHeartbeat.Before(cutoff) {
				stale = append(stale, userID)
			}
		}
		p.mu.RUnlock()
		sort.Strings(stale)
		for _, userID := range stale {
			gone, removed := h.remove(projectID, userID, EventExpired, func(s *Session) bool {
				return s.LastHeartbeat.Before(cutoff)
			})
			if removed {
				h.expired(gone)
				expired = append(expired, gone)
			}
		}
	}
	return expired
}

// Run sweeps on every tick until ctx is done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || h.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, session := range h.Sweep(h.now()) {
				h.logger.Info().
					Str("project_id", session.ProjectID).
					Str("user_id", session.UserID).
					Time("last_heartbeat", session.LastHeartbeat).
					Msg("presence expired")
			}
		}
	}
}

func (h *Hub) update(op, projectID, userID string, apply func(*Session, time.Time) Event, broker *pubsub.Broker[Event]) (Session, error) {
	p, ok := h.projects.Lookup(projectID)
	if !ok {
		return Session{}, errs.InvalidState(op, "user %s has no active session in %s", userID, projectID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[userID]
	if !ok {
		return Session{}, errs.InvalidState(op, "user %s has no active session in %s", userID, projectID)
	}
	evt := apply(session, h.now())
	broker.Publish(projectID, evt)
	return session.clone(), nil
}

func (h *Hub) remove(projectID, userID string, kind EventType, when func(*Session) bool) (Session, bool) {
	p, ok := h.projects.Lookup(projectID)
	if !ok {
		return Session{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[userID]
	if !ok {
		return Session{}, false
	}
	if when != nil && !when(session) {
		return Session{}, false
	}
	delete(p.sessions, userID)
	out := session.clone()
	h.presence.Publish(projectID, Event{Type: kind, ProjectID: projectID, UserID: userID, Session: &out, At: h.now()})
	return out.clone(), true
}

func (h *Hub) expired(session Session) {
	if h.onExpire != nil {
		h.onExpire(session)
	}
}
