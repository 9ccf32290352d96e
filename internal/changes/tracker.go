// Package changes is the append-only audit ledger of object mutations and the
// conflict detection and resolution that runs against it.
package changes

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"abode/collab/internal/errs"
	"abode/collab/internal/shard"
	"abode/collab/internal/state"
	"abode/collab/internal/util"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

func ParseAction(action string) (Action, bool) {
	switch a := Action(strings.ToLower(strings.TrimSpace(action))); a {
	case ActionCreate, ActionModify, ActionDelete:
		return a, true
	default:
		return "", false
	}
}

// Source tells user edits apart from changes the system writes on a user's
// behalf.
type Source string

const (
	SourceUser       Source = "user"
	SourceRestore    Source = "restore"
	SourceResolution Source = "resolution"
)

type Change struct {
	ID         string      `json:"id"`
	ProjectID  string      `json:"projectId"`
	UserID     string      `json:"userId"`
	Action     Action      `json:"action"`
	ObjectType string      `json:"objectType"`
	ObjectID   string      `json:"objectId"`
	Before     state.Value `json:"before"`
	After      state.Value `json:"after"`
	Source     Source      `json:"source"`
	Timestamp  time.Time   `json:"timestamp"`
}

func (c Change) clone() Change {
	c.Before = c.Before.Clone()
	c.After = c.After.Clone()
	return c
}

type Input struct {
	ProjectID  string
	UserID     string
	Action     Action
	ObjectType string
	ObjectID   string
	Before     state.Value
	After      state.Value
	Source     Source
}

type TrackResult struct {
	Change        Change `json:"change"`
	Conflict      bool   `json:"conflict"`
	ConflictsWith string `json:"conflictsWith,omitempty"`
}

type object struct {
	positions       []int
	resolvedThrough int
	open            []string
}

type project struct {
	mu      sync.Mutex
	ledger  atomic.Pointer[[]Change]
	objects map[string]*object
	byID    map[string]int
	lastTS  time.Time

	conflicts     []Conflict
	conflictIndex map[string]int
	resolutions   []Resolution
}

func (p *project) changes() []Change {
	if items := p.ledger.Load(); items != nil {
		return *items
	}
	return nil
}

func (p *project) object(objectID string) *object {
	obj, ok := p.objects[objectID]
	if !ok {
		obj = &object{resolvedThrough: -1}
		p.objects[objectID] = obj
	}
	return obj
}

type Option func(*Tracker)

// WithStrict makes every change to an object with an unresolved conflict a
// conflict too, until the object is resolved.
func WithStrict(strict bool) Option {
	return func(t *Tracker) { t.strict = strict }
}

type Tracker struct {
	projects *shard.Map[project]
	strict   bool

	indexMu sync.RWMutex
	objects map[string]map[string]struct{}

	now func() time.Time
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		projects: shard.New(func(string) *project {
			return &project{
				objects:       make(map[string]*object),
				byID:          make(map[string]int),
				conflictIndex: make(map[string]int),
			}
		}),
		objects: make(map[string]map[string]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track validates and appends a user change. Conflict detection runs under the
// same project lock as the append; a conflicting change is still recorded.
func (t *Tracker) Track(in Input) (TrackResult, error) {
	if in.Source == "" {
		in.Source = SourceUser
	}
	change, err := t.prepare("track change", in)
	if err != nil {
		return TrackResult{}, err
	}

	p := t.projects.Get(change.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()

	baseline, conflict := t.detectLocked(p, change, -1)
	stored := t.appendLocked(p, change)
	result := TrackResult{Change: stored.clone(), Conflict: conflict}
	if conflict {
		result.ConflictsWith = baseline.ID
		p.openLocked(stored, baseline, stored.Timestamp)
	}
	return result, nil
}

// Record appends a system change without conflict detection.
func (t *Tracker) Record(in Input) (Change, error) {
	if in.Source == "" {
		in.Source = SourceUser
	}
	change, err := t.prepare("record change", in)
	if err != nil {
		return Change{}, err
	}
	p := t.projects.Get(change.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.appendLocked(p, change).clone(), nil
}

// ObjectHistory returns every change to objectID, newest first.
func (t *Tracker) ObjectHistory(objectID string) []Change {
	t.indexMu.RLock()
	projectIDs := make([]string, 0, len(t.objects[objectID]))
	for projectID := range t.objects[objectID] {
		projectIDs = append(projectIDs, projectID)
	}
	t.indexMu.RUnlock()
	sort.Strings(projectIDs)

	var out []Change
	for _, projectID := range projectIDs {
		p, ok := t.projects.Lookup(projectID)
		if !ok {
			continue
		}
		for _, change := range p.changes() {
			if change.ObjectID == objectID {
				out = append(out, change.clone())
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if out == nil {
		return []Change{}
	}
	return out
}

// ProjectChanges returns the project's ledger in insertion order. The slice is
// a snapshot; later appends are not visible through it.
func (t *Tracker) ProjectChanges(projectID string) []Change {
	p, ok := t.projects.Lookup(projectID)
	if !ok {
		return []Change{}
	}
	items := p.changes()
	out := make([]Change, len(items))
	for i := range items {
		out[i] = items[i].clone()
	}
	return out
}

func (t *Tracker) Get(changeID string, projectID string) (Change, error) {
	p, ok := t.projects.Lookup(projectID)
	if ok {
		p.mu.Lock()
		pos, found := p.byID[changeID]
		p.mu.Unlock()
		if found {
			return p.changes()[pos].clone(), nil
		}
	}
	return Change{}, errs.NotFound("get change", "change %s in project %s", changeID, projectID)
}

func (t *Tracker) Projects() []string {
	return t.projects.Keys()
}

// Load replays a persisted change. Detection runs so open conflicts are
// rebuilt, but the change keeps its stored id and timestamp.
func (t *Tracker) Load(change Change) {
	p := t.projects.Get(change.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byID[change.ID]; exists {
		return
	}
	change = change.clone()
	baseline, conflict := t.detectLocked(p, change, -1)
	t.insertLocked(p, change)
	if conflict && change.Source == SourceUser {
		p.openLocked(change, baseline, change.Timestamp)
	}
}

func (t *Tracker) prepare(op string, in Input) (Change, error) {
	if in.ProjectID == "" || in.ObjectID == "" || in.ObjectType == "" {
		return Change{}, errs.InvalidState(op, "project, object type and object id are required")
	}
	if _, ok := ParseAction(string(in.Action)); !ok {
		return Change{}, errs.InvalidState(op, "unknown action %q", in.Action)
	}
	before, err := state.Normalize(in.Before)
	if err != nil {
		return Change{}, errs.InvalidState(op, "before: %v", err)
	}
	after, err := state.Normalize(in.After)
	if err != nil {
		return Change{}, errs.InvalidState(op, "after: %v", err)
	}

	switch in.Action {
	case ActionCreate:
		if !before.IsEmpty() || after == nil {
			return Change{}, errs.InvalidState(op, "create requires an empty before and a present after")
		}
	case ActionDelete:
		if !after.IsEmpty() {
			return Change{}, errs.InvalidState(op, "delete requires an empty after")
		}
	case ActionModify:
		if before == nil || after == nil {
			return Change{}, errs.InvalidState(op, "modify requires both before and after")
		}
	}
	for _, v := range []state.Value{before, after} {
		if v.IsEmpty() {
			continue
		}
		if err := state.Validate(in.ObjectType, v); err != nil {
			return Change{}, errs.InvalidState(op, "%v", err)
		}
	}

	return Change{
		ID:         util.NewID("chg"),
		ProjectID:  in.ProjectID,
		UserID:     in.UserID,
		Action:     in.Action,
		ObjectType: in.ObjectType,
		ObjectID:   in.ObjectID,
		Before:     before,
		After:      after,
		Source:     in.Source,
	}, nil
}

func (t *Tracker) appendLocked(p *project, change Change) Change {
	ts := t.now()
	if !ts.After(p.lastTS) {
		ts = p.lastTS.Add(time.Nanosecond)
	}
	change.Timestamp = ts
	t.insertLocked(p, change)
	return change
}

func (t *Tracker) insertLocked(p *project, change Change) {
	if change.Timestamp.After(p.lastTS) {
		p.lastTS = change.Timestamp
	}
	items := append(p.changes(), change)
	p.ledger.Store(&items)
	pos := len(items) - 1
	p.byID[change.ID] = pos
	obj := p.object(change.ObjectID)
	obj.positions = append(obj.positions, pos)

	t.indexMu.Lock()
	set, ok := t.objects[change.ObjectID]
	if !ok {
		set = make(map[string]struct{})
		t.objects[change.ObjectID] = set
	}
	set[change.ProjectID] = struct{}{}
	t.indexMu.Unlock()
}
