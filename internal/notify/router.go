// Package notify turns domain events into addressed notifications, keeps each
// user's inbox and hands notifications to delivery transports.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"abode/collab/internal/errs"
	"abode/collab/internal/events"
	"abode/collab/internal/pubsub"
	"abode/collab/internal/shard"
	"abode/collab/internal/util"
)

type Type string

const (
	TypeMention           Type = "mention"
	TypeReply             Type = "reply"
	TypeCollaboratorAdded Type = "collaborator_added"
)

type Notification struct {
	ID          string         `json:"id" cbor:"1,keyasint"`
	UserID      string         `json:"userId" cbor:"2,keyasint"`
	Type        Type           `json:"type" cbor:"3,keyasint"`
	ProjectID   string         `json:"projectId" cbor:"4,keyasint"`
	Payload     map[string]any `json:"payload" cbor:"5,keyasint"`
	Delivered   bool           `json:"delivered" cbor:"6,keyasint"`
	CreatedAt   time.Time      `json:"createdAt" cbor:"7,keyasint"`
	DeliveredAt *time.Time     `json:"deliveredAt,omitempty" cbor:"8,keyasint,omitempty"`
}

// Transport delivers a notification outside the process.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

type inbox struct {
	mu    sync.RWMutex
	items []*Notification
}

type Option func(*Router)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithTransport(t Transport) Option {
	return func(r *Router) { r.transports = append(r.transports, t) }
}

// WithDeliveryTimeout bounds each transport attempt.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithObserver is called with every notification the router creates and every
// delivery state change, in that order per notification.
func WithObserver(fn func(Notification)) Option {
	return func(r *Router) { r.observe = fn }
}

type Router struct {
	inboxes *shard.Map[inbox]
	broker  *pubsub.Broker[Notification]

	indexMu sync.RWMutex
	index   map[string]string

	transports []Transport
	timeout    time.Duration
	observe    func(Notification)
	logger     zerolog.Logger
	wg         sync.WaitGroup
	now        func() time.Time
}

func NewRouter(opts ...Option) *Router {
	r := &Router{
		inboxes: shard.New(func(string) *inbox { return &inbox{} }),
		broker:  pubsub.NewBroker[Notification](),
		index:   make(map[string]string),
		timeout: 10 * time.Second,
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle produces the notifications an event calls for and stores them. Events
// that address nobody return an empty slice.
func (r *Router) Handle(evt events.Event) []Notification {
	var out []Notification
	switch evt.Type {
	case events.CommentCreated:
		payload, ok := evt.Payload.(events.CommentPayload)
		if !ok {
			return nil
		}
		for _, userID := range payload.Mentions {
			out = append(out, r.add(userID, TypeMention, evt, commentFields(evt, payload)))
		}
	case events.CommentReplied:
		payload, ok := evt.Payload.(events.CommentPayload)
		if !ok {
			return nil
		}
		notified := map[string]struct{}{evt.UserID: {}}
		if payload.ParentAuthor != "" && payload.ParentAuthor != evt.UserID {
			out = append(out, r.add(payload.ParentAuthor, TypeReply, evt, commentFields(evt, payload)))
			notified[payload.ParentAuthor] = struct{}{}
		}
		for _, userID := range payload.Mentions {
			if _, done := notified[userID]; done {
				continue
			}
			notified[userID] = struct{}{}
			out = append(out, r.add(userID, TypeMention, evt, commentFields(evt, payload)))
		}
	case events.CollaboratorAdded:
		payload, ok := evt.Payload.(events.CollaboratorPayload)
		if !ok || payload.UserID == "" || payload.UserID == evt.UserID {
			return nil
		}
		out = append(out, r.add(payload.UserID, TypeCollaboratorAdded, evt, map[string]any{
			"projectId": evt.ProjectID,
			"role":      payload.Role,
			"addedBy":   evt.UserID,
		}))
	}
	return out
}

// Run handles events from sub until ctx is done or the subscription closes,
// then waits for in-flight deliveries.
func (r *Router) Run(ctx context.Context, sub *pubsub.Subscription[events.Event]) {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			for _, n := range r.Handle(evt) {
				r.dispatch(n)
			}
		}
	}
}

// Wait blocks until every dispatched delivery has finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) OnNotification(userID string) *pubsub.Subscription[Notification] {
	return r.broker.Subscribe(userID)
}

// List returns the user's notifications in creation order.
func (r *Router) List(userID string) []Notification {
	out := []Notification{}
	box, ok := r.inboxes.Lookup(userID)
	if !ok {
		return out
	}
	box.mu.RLock()
	defer box.mu.RUnlock()
	for _, n := range box.items {
		out = append(out, clone(*n))
	}
	return out
}

// Get returns the notification as it currently stands.
func (r *Router) Get(notificationID string) (Notification, error) {
	r.indexMu.RLock()
	userID, ok := r.index[notificationID]
	r.indexMu.RUnlock()
	if ok {
		box := r.inboxes.Get(userID)
		box.mu.RLock()
		defer box.mu.RUnlock()
		for _, n := range box.items {
			if n.ID == notificationID {
				return clone(*n), nil
			}
		}
	}
	return Notification{}, errs.NotFound("get notification", "notification %s", notificationID)
}

func (r *Router) MarkDelivered(notificationID string) (Notification, error) {
	r.indexMu.RLock()
	userID, ok := r.index[notificationID]
	r.indexMu.RUnlock()
	if !ok {
		return Notification{}, errs.NotFound("mark delivered", "notification %s", notificationID)
	}
	box := r.inboxes.Get(userID)
	box.mu.Lock()
	var found *Notification
	changed := false
	for _, n := range box.items {
		if n.ID == notificationID {
			found = n
			if !n.Delivered {
				at := r.now()
				n.Delivered = true
				n.DeliveredAt = &at
				changed = true
			}
			break
		}
	}
	var out Notification
	if found != nil {
		out = clone(*found)
	}
	box.mu.Unlock()

	if found == nil {
		return Notification{}, errs.NotFound("mark delivered", "notification %s", notificationID)
	}
	if changed && r.observe != nil {
		r.observe(out)
	}
	return out, nil
}

// Load installs a persisted notification.
func (r *Router) Load(n Notification) {
	box := r.inboxes.Get(n.UserID)
	box.mu.Lock()
	stored := clone(n)
	box.items = append(box.items, &stored)
	sort.SliceStable(box.items, func(i, j int) bool {
		return box.items[i].CreatedAt.Before(box.items[j].CreatedAt)
	})
	box.mu.Unlock()
	r.setIndex(n.ID, n.UserID)
}

func (r *Router) add(userID string, kind Type, evt events.Event, payload map[string]any) Notification {
	n := Notification{
		ID:        util.NewID("ntf"),
		UserID:    userID,
		Type:      kind,
		ProjectID: evt.ProjectID,
		Payload:   payload,
		CreatedAt: r.now(),
	}
	box := r.inboxes.Get(userID)
	box.mu.Lock()
	stored := clone(n)
	box.items = append(box.items, &stored)
	box.mu.Unlock()
	r.setIndex(n.ID, userID)

	if r.observe != nil {
		r.observe(clone(n))
	}
	r.broker.Publish(userID, clone(n))
	return n
}

func (r *Router) dispatch(n Notification) {
	if len(r.transports) == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		delivered := false
		for _, transport := range r.transports {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			err := transport.Deliver(ctx, n)
			cancel()
			if err != nil {
				r.logger.Warn().
					Err(err).
					Str("transport", transport.Name()).
					Str("notification_id", n.ID).
					Str("user_id", n.UserID).
					Msg("notification delivery failed")
				continue
			}
			delivered = true
		}
		if delivered {
			if _, err := r.MarkDelivered(n.ID); err != nil {
				r.logger.Error().Err(err).Str("notification_id", n.ID).Msg("mark delivered")
			}
		}
	}()
}

func (r *Router) setIndex(notificationID, userID string) {
	r.indexMu.Lock()
	r.index[notificationID] = userID
	r.indexMu.Unlock()
}

func commentFields(evt events.Event, payload events.CommentPayload) map[string]any {
	fields := map[string]any{
		"projectId": evt.ProjectID,
		"commentId": payload.CommentID,
		"threadId":  payload.ThreadID,
		"from":      evt.UserID,
		"excerpt":   excerpt(payload.Content, 140),
	}
	if payload.ParentID != "" {
		fields["parentId"] = payload.ParentID
	}
	return fields
}

func excerpt(content string, max int) string {
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return fmt.Sprintf("%s…", string(runes[:max]))
}

func clone(n Notification) Notification {
	if n.Payload != nil {
		payload := make(map[string]any, len(n.Payload))
		for k, v := range n.Payload {
			payload[k] = v
		}
		n.Payload = payload
	}
	if n.DeliveredAt != nil {
		at := *n.DeliveredAt
		n.DeliveredAt = &at
	}
	return n
}
