// Package comments implements threaded comments on a project: roots, replies
// of any depth sharing the root's thread id, and idempotent resolution.
package comments

import (
	"sort"
	"strings"
	"sync"
	"time"

	"abode/collab/internal/errs"
	"abode/collab/internal/shard"
	"abode/collab/internal/util"
)

// Position anchors a comment in the model. Z is nil for 2D views.
type Position struct {
	X float64  `json:"x"`
	Y float64  `json:"y"`
	Z *float64 `json:"z,omitempty"`
}

type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
}

type Comment struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"projectId"`
	UserID      string       `json:"userId"`
	Content     string       `json:"content"`
	Position    *Position    `json:"position,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Mentions    []string     `json:"mentions"`
	ParentID    string       `json:"parentId,omitempty"`
	ThreadID    string       `json:"threadId"`
	Resolved    bool         `json:"resolved"`
	ResolvedBy  string       `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time   `json:"resolvedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

func (c Comment) IsReply() bool {
	return c.ParentID != ""
}

func (c Comment) clone() Comment {
	if c.Position != nil {
		pos := *c.Position
		if pos.Z != nil {
			z := *pos.Z
			pos.Z = &z
		}
		c.Position = &pos
	}
	if c.Attachments != nil {
		c.Attachments = append([]Attachment(nil), c.Attachments...)
	}
	c.Mentions = append([]string{}, c.Mentions...)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		c.ResolvedAt = &at
	}
	return c
}

type CreateInput struct {
	ProjectID   string
	UserID      string
	Content     string
	Position    *Position
	Attachments []Attachment
}

type ReplyInput struct {
	CommentID string
	UserID    string
	Content   string
}

type Filter struct {
	Resolved *bool
}

type project struct {
	mu       sync.RWMutex
	comments map[string]*Comment
	order    []string
	lastTS   time.Time
}

type Engine struct {
	projects *shard.Map[project]

	indexMu sync.RWMutex
	index   map[string]string

	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{
		projects: shard.New(func(string) *project {
			return &project{comments: make(map[string]*Comment)}
		}),
		index: make(map[string]string),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Create(in CreateInput) (Comment, error) {
	content := strings.TrimSpace(in.Content)
	if in.ProjectID == "" || in.UserID == "" {
		return Comment{}, errs.InvalidState("create comment", "project and user are required")
	}
	if content == "" {
		return Comment{}, errs.InvalidState("create comment", "content is required")
	}

	id := util.NewID("cmt")
	comment := Comment{
		ID:          id,
		ProjectID:   in.ProjectID,
		UserID:      in.UserID,
		Content:     content,
		Position:    in.Position,
		Attachments: in.Attachments,
		Mentions:    ExtractMentions(content, in.UserID),
		ThreadID:    id,
	}
	return e.insert(comment), nil
}

// Reply attaches a comment under CommentID. Replies to replies still carry the
// root's thread id.
func (e *Engine) Reply(in ReplyInput) (Comment, error) {
	content := strings.TrimSpace(in.Content)
	if in.UserID == "" {
		return Comment{}, errs.InvalidState("reply to comment", "user is required")
	}
	if content == "" {
		return Comment{}, errs.InvalidState("reply to comment", "content is required")
	}
	parent, err := e.Get(in.CommentID)
	if err != nil {
		return Comment{}, errs.InvalidState("reply to comment", "parent comment %s does not exist", in.CommentID)
	}

	comment := Comment{
		ID:        util.NewID("cmt"),
		ProjectID: parent.ProjectID,
		UserID:    in.UserID,
		Content:   content,
		Mentions:  ExtractMentions(content, in.UserID),
		ParentID:  parent.ID,
		ThreadID:  parent.ThreadID,
	}
	return e.insert(comment), nil
}

// Resolve marks a comment resolved. Resolving an already resolved comment
// returns it unchanged with changed=false.
func (e *Engine) Resolve(commentID, userID string) (Comment, bool, error) {
	projectID, ok := e.projectOf(commentID)
	if !ok {
		return Comment{}, false, errs.NotFound("resolve comment", "comment %s", commentID)
	}
	p := e.projects.Get(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	comment, ok := p.comments[commentID]
	if !ok {
		return Comment{}, false, errs.NotFound("resolve comment", "comment %s", commentID)
	}
	if comment.Resolved {
		return comment.clone(), false, nil
	}
	at := e.now()
	next := comment.clone()
	next.Resolved = true
	next.ResolvedBy = userID
	next.ResolvedAt = &at
	p.comments[commentID] = &next
	return next.clone(), true, nil
}

func (e *Engine) Get(commentID string) (Comment, error) {
	projectID, ok := e.projectOf(commentID)
	if !ok {
		return Comment{}, errs.NotFound("get comment", "comment %s", commentID)
	}
	p := e.projects.Get(projectID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	comment, ok := p.comments[commentID]
	if !ok {
		return Comment{}, errs.NotFound("get comment", "comment %s", commentID)
	}
	return comment.clone(), nil
}

// List returns the project's comments in creation order.
func (e *Engine) List(projectID string, filter Filter) []Comment {
	out := []Comment{}
	p, ok := e.projects.Lookup(projectID)
	if !ok {
		return out
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.order {
		comment := p.comments[id]
		if filter.Resolved != nil && comment.Resolved != *filter.Resolved {
			continue
		}
		out = append(out, comment.clone())
	}
	return out
}

// Thread returns the root comment followed by every reply in creation order.
func (e *Engine) Thread(threadID string) ([]Comment, error) {
	root, err := e.Get(threadID)
	if err != nil {
		return nil, err
	}
	out := []Comment{}
	for _, comment := range e.List(root.ProjectID, Filter{}) {
		if comment.ThreadID == threadID {
			out = append(out, comment)
		}
	}
	return out, nil
}

// AttachFiles appends attachments to an existing comment.
func (e *Engine) AttachFiles(commentID string, files ...Attachment) (Comment, error) {
	projectID, ok := e.projectOf(commentID)
	if !ok {
		return Comment{}, errs.NotFound("attach files", "comment %s", commentID)
	}
	p := e.projects.Get(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	comment, ok := p.comments[commentID]
	if !ok {
		return Comment{}, errs.NotFound("attach files", "comment %s", commentID)
	}
	next := comment.clone()
	next.Attachments = append(next.Attachments, files...)
	p.comments[commentID] = &next
	return next.clone(), nil
}

func (e *Engine) Projects() []string {
	return e.projects.Keys()
}

// Load installs a persisted comment, keeping its id and timestamps.
func (e *Engine) Load(comment Comment) {
	p := e.projects.Get(comment.ProjectID)
	p.mu.Lock()
	if _, exists := p.comments[comment.ID]; !exists {
		p.order = append(p.order, comment.ID)
	}
	stored := comment.clone()
	p.comments[comment.ID] = &stored
	if comment.CreatedAt.After(p.lastTS) {
		p.lastTS = comment.CreatedAt
	}
	sort.SliceStable(p.order, func(i, j int) bool {
		return p.comments[p.order[i]].CreatedAt.Before(p.comments[p.order[j]].CreatedAt)
	})
	p.mu.Unlock()
	e.setIndex(comment.ID, comment.ProjectID)
}

func (e *Engine) insert(comment Comment) Comment {
	p := e.projects.Get(comment.ProjectID)
	p.mu.Lock()
	ts := e.now()
	if !ts.After(p.lastTS) {
		ts = p.lastTS.Add(time.Nanosecond)
	}
	p.lastTS = ts
	comment.CreatedAt = ts
	stored := comment.clone()
	p.comments[comment.ID] = &stored
	p.order = append(p.order, comment.ID)
	p.mu.Unlock()

	e.setIndex(comment.ID, comment.ProjectID)
	return comment.clone()
}

func (e *Engine) projectOf(commentID string) (string, bool) {
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	projectID, ok := e.index[commentID]
	return projectID, ok
}

func (e *Engine) setIndex(commentID, projectID string) {
	e.indexMu.Lock()
	e.index[commentID] = projectID
	e.indexMu.Unlock()
}
