// Package search finds comments by text. Meilisearch serves queries when it
// is reachable; otherwise the SQL store answers with a substring match.
package search

import (
	"context"

	"abode/collab/internal/comments"
)

// Result is a single search hit returned to the caller.
type Result struct {
	CommentID string `json:"commentId"`
	ProjectID string `json:"projectId"`
	ThreadID  string `json:"threadId"`
	UserID    string `json:"userId"`
	Snippet   string `json:"snippet"`
	Resolved  bool   `json:"resolved"`
}

// Query describes a search request. ProjectID is required.
type Query struct {
	ProjectID string
	Text      string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	ThreadID  string `json:"threadId"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	Resolved  bool   `json:"resolved"`
}

func RecordFor(c comments.Comment) CommentRecord {
	return CommentRecord{
		ID:        c.ID,
		ProjectID: c.ProjectID,
		ThreadID:  c.ThreadID,
		UserID:    c.UserID,
		Content:   c.Content,
		Resolved:  c.Resolved,
	}
}

// Fallback is the store-backed search used when no index is available.
type Fallback interface {
	SearchComments(ctx context.Context, projectID, query string, limit int) ([]comments.Comment, error)
}

func resultFor(c comments.Comment) Result {
	return Result{
		CommentID: c.ID,
		ProjectID: c.ProjectID,
		ThreadID:  c.ThreadID,
		UserID:    c.UserID,
		Snippet:   c.Content,
		Resolved:  c.Resolved,
	}
}
