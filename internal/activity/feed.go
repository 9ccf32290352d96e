// Package activity assembles a project's activity feed from immutable
// snapshots of its changes, comments and versions.
package activity

import (
	"fmt"
	"sort"
	"time"

	"abode/collab/internal/changes"
	"abode/collab/internal/comments"
	"abode/collab/internal/versions"
)

type Type string

const (
	TypeChange  Type = "change"
	TypeComment Type = "comment"
	TypeVersion Type = "version"
)

type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	ProjectID string            `json:"projectId"`
	UserID    string            `json:"userId"`
	Timestamp time.Time         `json:"timestamp"`
	Summary   string            `json:"summary"`
	Change    *changes.Change   `json:"change,omitempty"`
	Comment   *comments.Comment `json:"comment,omitempty"`
	Version   *versions.Version `json:"version,omitempty"`
}

type Filter struct {
	Type   Type
	UserID string
	Limit  int
}

type ChangeSource interface {
	ProjectChanges(projectID string) []changes.Change
}

type CommentSource interface {
	List(projectID string, filter comments.Filter) []comments.Comment
}

type VersionSource interface {
	History(projectID string) []versions.Version
}

type Aggregator struct {
	changes  ChangeSource
	comments CommentSource
	versions VersionSource
}

func NewAggregator(changes ChangeSource, comments CommentSource, versions VersionSource) *Aggregator {
	return &Aggregator{changes: changes, comments: comments, versions: versions}
}

// Feed merges the project's records newest first, then applies the filter.
func (a *Aggregator) Feed(projectID string, filter Filter) []Event {
	var merged []Event
	for _, c := range a.changes.ProjectChanges(projectID) {
		c := c
		merged = append(merged, Event{
			ID:        c.ID,
			Type:      TypeChange,
			ProjectID: c.ProjectID,
			UserID:    c.UserID,
			Timestamp: c.Timestamp,
			Summary:   fmt.Sprintf("%s %s %s", c.Action, c.ObjectType, c.ObjectID),
			Change:    &c,
		})
	}
	for _, c := range a.comments.List(projectID, comments.Filter{}) {
		c := c
		summary := "commented"
		if c.IsReply() {
			summary = "replied"
		}
		merged = append(merged, Event{
			ID:        c.ID,
			Type:      TypeComment,
			ProjectID: c.ProjectID,
			UserID:    c.UserID,
			Timestamp: c.CreatedAt,
			Summary:   summary,
			Comment:   &c,
		})
	}
	for _, v := range a.versions.History(projectID) {
		v := v
		merged = append(merged, Event{
			ID:        v.ID,
			Type:      TypeVersion,
			ProjectID: v.ProjectID,
			UserID:    v.Author,
			Timestamp: v.CreatedAt,
			Summary:   fmt.Sprintf("version %d: %s", v.VersionNumber, v.Message),
			Version:   &v,
		})
	}

	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Timestamp.After(merged[j].Timestamp)
		}
		if merged[i].Type != merged[j].Type {
			return merged[i].Type < merged[j].Type
		}
		return merged[i].ID < merged[j].ID
	})

	out := []Event{}
	for _, evt := range merged {
		if filter.Type != "" && evt.Type != filter.Type {
			continue
		}
		if filter.UserID != "" && evt.UserID != filter.UserID {
			continue
		}
		out = append(out, evt)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

func ParseType(value string) (Type, bool) {
	switch t := Type(value); t {
	case "", TypeChange, TypeComment, TypeVersion:
		return t, true
	default:
		return "", false
	}
}
