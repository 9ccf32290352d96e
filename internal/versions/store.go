// Package versions keeps the numbered, immutable version history of every
// project and the pointer to each project's current state.
package versions

import (
	"sync"
	"sync/atomic"
	"time"

	"abode/collab/internal/errs"
	"abode/collab/internal/shard"
	"abode/collab/internal/state"
	"abode/collab/internal/util"
)

type Version struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"projectId"`
	Author        string      `json:"author"`
	Message       string      `json:"message"`
	VersionNumber int         `json:"versionNumber"`
	Snapshot      state.Value `json:"snapshot,omitempty"`
	Changes       *state.Diff `json:"changes,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

func (v Version) clone() Version {
	v.Snapshot = v.Snapshot.Clone()
	if v.Changes != nil {
		diff := *v.Changes
		v.Changes = &diff
	}
	return v
}

// Current is the project's live state pointer. It moves forward on every new
// version and jumps back on restore.
type Current struct {
	ProjectID     string      `json:"projectId"`
	VersionID     string      `json:"versionId"`
	VersionNumber int         `json:"versionNumber"`
	Snapshot      state.Value `json:"snapshot,omitempty"`
	Restored      bool        `json:"restored"`
	UpdatedBy     string      `json:"updatedBy"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

type project struct {
	mu       sync.Mutex
	versions atomic.Pointer[[]Version]
	current  atomic.Pointer[Current]
}

func (p *project) list() []Version {
	if items := p.versions.Load(); items != nil {
		return *items
	}
	return nil
}

type Store struct {
	projects *shard.Map[project]

	indexMu sync.RWMutex
	index   map[string]string

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		projects: shard.New(func(string) *project { return &project{} }),
		index:    make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create appends the next version for projectID. Numbers start at 1 and grow
// by one with no gaps because they are assigned under the project lock.
func (s *Store) Create(projectID, author, message string, snapshot state.Value) (Version, error) {
	if projectID == "" {
		return Version{}, errs.InvalidState("create version", "project is required")
	}
	normalized, err := state.Normalize(snapshot)
	if err != nil {
		return Version{}, errs.InvalidState("create version", "snapshot: %v", err)
	}

	p := s.projects.Get(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := p.list()
	version := Version{
		ID:            util.NewID("ver"),
		ProjectID:     projectID,
		Author:        author,
		Message:       message,
		VersionNumber: len(existing) + 1,
		Snapshot:      normalized,
		CreatedAt:     s.now(),
	}
	if n := len(existing); n > 0 {
		version.VersionNumber = existing[n-1].VersionNumber + 1
		if prev := existing[n-1].Snapshot; prev != nil && normalized != nil {
			diff := state.Compare(prev, normalized)
			version.Changes = &diff
		}
	}

	next := make([]Version, len(existing), len(existing)+1)
	copy(next, existing)
	next = append(next, version)
	p.versions.Store(&next)
	p.current.Store(&Current{
		ProjectID:     projectID,
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		Snapshot:      normalized,
		UpdatedBy:     author,
		UpdatedAt:     version.CreatedAt,
	})
	s.setIndex(version.ID, projectID)
	return version.clone(), nil
}

// History returns versions most recent first.
func (s *Store) History(projectID string) []Version {
	p, ok := s.projects.Lookup(projectID)
	if !ok {
		return []Version{}
	}
	items := p.list()
	out := make([]Version, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i].clone())
	}
	return out
}

func (s *Store) Get(versionID string) (Version, error) {
	version, ok := s.lookup(versionID)
	if !ok {
		return Version{}, errs.NotFound("get version", "version %s", versionID)
	}
	return version.clone(), nil
}

func (s *Store) Latest(projectID string) (Version, error) {
	p, ok := s.projects.Lookup(projectID)
	if ok {
		if items := p.list(); len(items) > 0 {
			return items[len(items)-1].clone(), nil
		}
	}
	return Version{}, errs.NotFound("latest version", "project %s has no versions", projectID)
}

// Restore points the project's current state at versionID. History is not
// extended. The previous pointer is returned so the caller can audit the move;
// it is nil when the project had no current state.
func (s *Store) Restore(projectID, versionID, actingUser string) (Current, *Current, error) {
	version, ok := s.lookup(versionID)
	if !ok || version.ProjectID != projectID {
		return Current{}, nil, errs.NotFound("restore version", "version %s in project %s", versionID, projectID)
	}

	p := s.projects.Get(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()

	var previous *Current
	if cur := p.current.Load(); cur != nil {
		prev := *cur
		prev.Snapshot = prev.Snapshot.Clone()
		previous = &prev
	}
	next := &Current{
		ProjectID:     projectID,
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		Snapshot:      version.Snapshot,
		Restored:      true,
		UpdatedBy:     actingUser,
		UpdatedAt:     s.now(),
	}
	p.current.Store(next)

	out := *next
	out.Snapshot = out.Snapshot.Clone()
	return out, previous, nil
}

func (s *Store) Current(projectID string) (Current, error) {
	if p, ok := s.projects.Lookup(projectID); ok {
		if cur := p.current.Load(); cur != nil {
			out := *cur
			out.Snapshot = out.Snapshot.Clone()
			return out, nil
		}
	}
	return Current{}, errs.NotFound("current version", "project %s has no current state", projectID)
}

// Compare diffs a's snapshot against b's per top-level key. Both versions
// must belong to projectID.
func (s *Store) Compare(projectID, aID, bID string) (state.Diff, error) {
	a, ok := s.lookup(aID)
	if !ok || a.ProjectID != projectID {
		return state.Diff{}, errs.NotFound("compare versions", "version %s in project %s", aID, projectID)
	}
	b, ok := s.lookup(bID)
	if !ok || b.ProjectID != projectID {
		return state.Diff{}, errs.NotFound("compare versions", "version %s in project %s", bID, projectID)
	}
	return state.Compare(a.Snapshot, b.Snapshot), nil
}

func (s *Store) Projects() []string {
	return s.projects.Keys()
}

// Load installs a persisted version. Versions must be loaded in ascending
// number order per project; out-of-order or duplicate numbers are rejected.
func (s *Store) Load(version Version) error {
	p := s.projects.Get(version.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := p.list()
	want := 1
	if n := len(existing); n > 0 {
		want = existing[n-1].VersionNumber + 1
	}
	if version.VersionNumber != want {
		return errs.InvalidState("load version", "project %s expects version %d, got %d", version.ProjectID, want, version.VersionNumber)
	}
	version = version.clone()
	next := make([]Version, len(existing), len(existing)+1)
	copy(next, existing)
	next = append(next, version)
	p.versions.Store(&next)
	p.current.Store(&Current{
		ProjectID:     version.ProjectID,
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		Snapshot:      version.Snapshot,
		UpdatedBy:     version.Author,
		UpdatedAt:     version.CreatedAt,
	})
	s.setIndex(version.ID, version.ProjectID)
	return nil
}

// LoadCurrent installs a persisted current pointer after its versions.
func (s *Store) LoadCurrent(cur Current) error {
	version, ok := s.lookup(cur.VersionID)
	if !ok || version.ProjectID != cur.ProjectID {
		return errs.NotFound("load current", "version %s in project %s", cur.VersionID, cur.ProjectID)
	}
	cur.VersionNumber = version.VersionNumber
	cur.Snapshot = version.Snapshot
	p := s.projects.Get(cur.ProjectID)
	p.mu.Lock()
	p.current.Store(&cur)
	p.mu.Unlock()
	return nil
}

func (s *Store) lookup(versionID string) (Version, bool) {
	s.indexMu.RLock()
	projectID, ok := s.index[versionID]
	s.indexMu.RUnlock()
	if !ok {
		return Version{}, false
	}
	p, ok := s.projects.Lookup(projectID)
	if !ok {
		return Version{}, false
	}
	for _, version := range p.list() {
		if version.ID == versionID {
			return version, true
		}
	}
	return Version{}, false
}

func (s *Store) setIndex(versionID, projectID string) {
	s.indexMu.Lock()
	s.index[versionID] = projectID
	s.indexMu.Unlock()
}
