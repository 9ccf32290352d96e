// Package events defines the domain events each component emits after a
// mutation and the bus they travel on.
package events

import (
	"time"

	"abode/collab/internal/pubsub"
	"abode/collab/internal/util"
)

type Type string

const (
	ChangeTracked           Type = "change.tracked"
	ConflictDetected        Type = "conflict.detected"
	ConflictResolved        Type = "conflict.resolved"
	CommentCreated          Type = "comment.created"
	CommentReplied          Type = "comment.replied"
	CommentResolved         Type = "comment.resolved"
	VersionCreated          Type = "version.created"
	VersionRestored         Type = "version.restored"
	CollaboratorAdded       Type = "collaborator.added"
	CollaboratorRemoved     Type = "collaborator.removed"
	CollaboratorRoleUpdated Type = "collaborator.role_updated"
	UserJoined              Type = "presence.joined"
	UserLeft                Type = "presence.left"
	CursorMoved             Type = "presence.cursor"
	SelectionChanged        Type = "presence.selection"
)

type Event struct {
	ID        string    `json:"id" cbor:"1,keyasint"`
	Type      Type      `json:"type" cbor:"2,keyasint"`
	ProjectID string    `json:"projectId" cbor:"3,keyasint"`
	UserID    string    `json:"userId" cbor:"4,keyasint"`
	At        time.Time `json:"at" cbor:"5,keyasint"`
	Payload   any       `json:"payload,omitempty" cbor:"6,keyasint,omitempty"`
}

func New(eventType Type, projectID, userID string, payload any) Event {
	return Event{
		ID:        util.NewID("evt"),
		Type:      eventType,
		ProjectID: projectID,
		UserID:    userID,
		At:        time.Now().UTC(),
		Payload:   payload,
	}
}

// Bus carries events keyed by project. Subscribe to pubsub.AllTopics to see
// every project.
type Bus struct {
	broker *pubsub.Broker[Event]
}

func NewBus() *Bus {
	return &Bus{broker: pubsub.NewBroker[Event]()}
}

func (b *Bus) Publish(evt Event) int {
	return b.broker.Publish(evt.ProjectID, evt)
}

func (b *Bus) Subscribe(projectID string) *pubsub.Subscription[Event] {
	return b.broker.Subscribe(projectID)
}

func (b *Bus) SubscribeAll() *pubsub.Subscription[Event] {
	return b.broker.Subscribe(pubsub.AllTopics)
}

// CommentPayload accompanies CommentCreated, CommentReplied and
// CommentResolved.
type CommentPayload struct {
	CommentID    string   `json:"commentId" cbor:"1,keyasint"`
	ThreadID     string   `json:"threadId" cbor:"2,keyasint"`
	ParentID     string   `json:"parentId,omitempty" cbor:"3,keyasint,omitempty"`
	ParentAuthor string   `json:"parentAuthor,omitempty" cbor:"4,keyasint,omitempty"`
	Content      string   `json:"content" cbor:"5,keyasint"`
	Mentions     []string `json:"mentions,omitempty" cbor:"6,keyasint,omitempty"`
}

// CollaboratorPayload accompanies the collaborator events.
type CollaboratorPayload struct {
	UserID  string `json:"userId" cbor:"1,keyasint"`
	Role    string `json:"role" cbor:"2,keyasint"`
	AddedBy string `json:"addedBy,omitempty" cbor:"3,keyasint,omitempty"`
}
