package changes

import (
	"time"

	"abode/collab/internal/errs"
	"abode/collab/internal/state"
	"abode/collab/internal/util"
)

// Conflict pairs a change with the change it was based on when its before
// state did not match that change's after state.
type Conflict struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"projectId"`
	ObjectID      string    `json:"objectId"`
	ChangeID      string    `json:"changeId"`
	ConflictsWith string    `json:"conflictsWith"`
	DetectedAt    time.Time `json:"detectedAt"`
	Resolved      bool      `json:"resolved"`
	ResolutionID  string    `json:"resolutionId,omitempty"`
}

// Strategy is either LastWriteWins or Manual.
type Strategy interface {
	Name() string
	isStrategy()
}

// LastWriteWins keeps the most recent change, or the most recent change by
// Winner when set.
type LastWriteWins struct {
	Winner string
}

func (LastWriteWins) Name() string { return "last-write-wins" }
func (LastWriteWins) isStrategy()  {}

// Manual replaces the object's state with MergedState.
type Manual struct {
	MergedState state.Value
}

func (Manual) Name() string { return "manual" }
func (Manual) isStrategy()  {}

type ResolveInput struct {
	ProjectID  string
	ObjectID   string
	ResolvedBy string
	Strategy   Strategy
}

type Resolution struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"projectId"`
	ObjectID        string    `json:"objectId"`
	Strategy        string    `json:"strategy"`
	WinningUserID   string    `json:"winningUserId,omitempty"`
	WinningChangeID string    `json:"winningChangeId,omitempty"`
	AppliedChange   *Change   `json:"appliedChange,omitempty"`
	ThroughChangeID string    `json:"throughChangeId"`
	ConflictIDs     []string  `json:"conflictIds"`
	ResolvedBy      string    `json:"resolvedBy"`
	ResolvedAt      time.Time `json:"resolvedAt"`
}

type Resolver struct {
	tracker *Tracker
}

func NewResolver(tracker *Tracker) *Resolver {
	return &Resolver{tracker: tracker}
}

// Detect reports whether candidate's before state is stale against the change
// it follows. For a change already in the ledger that is the previous change
// to the same object; otherwise it is the latest one. A pair that has been
// through Resolve is never reported again.
func (r *Resolver) Detect(candidate Change) bool {
	p, ok := r.tracker.projects.Lookup(candidate.ProjectID)
	if !ok {
		return false
	}
	before, err := state.Normalize(candidate.Before)
	if err != nil {
		return true
	}
	candidate.Before = before

	p.mu.Lock()
	defer p.mu.Unlock()
	pos := -1
	if candidate.ID != "" {
		if found, ok := p.byID[candidate.ID]; ok {
			pos = found
		}
	}
	_, conflict := r.tracker.detectLocked(p, candidate, pos)
	return conflict
}

// Resolve settles every open conflict on an object. Strategies that change the
// object's authoritative state append a resolution change authored by the
// resolving user.
func (r *Resolver) Resolve(in ResolveInput) (Resolution, error) {
	const op = "resolve conflict"
	if in.Strategy == nil {
		return Resolution{}, errs.InvalidState(op, "strategy is required")
	}
	p, ok := r.tracker.projects.Lookup(in.ProjectID)
	if !ok {
		return Resolution{}, errs.InvalidState(op, "object %s has no changes in %s", in.ObjectID, in.ProjectID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[in.ObjectID]
	if !ok || len(obj.positions) == 0 {
		return Resolution{}, errs.InvalidState(op, "object %s has no changes in %s", in.ObjectID, in.ProjectID)
	}
	items := p.changes()
	latest := items[obj.positions[len(obj.positions)-1]]

	resolution := Resolution{
		ID:         util.NewID("res"),
		ProjectID:  in.ProjectID,
		ObjectID:   in.ObjectID,
		Strategy:   in.Strategy.Name(),
		ResolvedBy: in.ResolvedBy,
	}

	var target state.Value
	apply := false
	switch s := in.Strategy.(type) {
	case LastWriteWins:
		winner := latest
		if s.Winner != "" {
			found := false
			for i := len(obj.positions) - 1; i >= 0; i-- {
				if c := items[obj.positions[i]]; c.UserID == s.Winner {
					winner, found = c, true
					break
				}
			}
			if !found {
				return Resolution{}, errs.NotFound(op, "no change to %s by %s", in.ObjectID, s.Winner)
			}
		}
		resolution.WinningUserID = winner.UserID
		resolution.WinningChangeID = winner.ID
		if winner.ID != latest.ID && !state.Equal(winner.After, latest.After) {
			target, apply = winner.After, true
		}
	case Manual:
		merged, err := state.Normalize(s.MergedState)
		if err != nil {
			return Resolution{}, errs.InvalidState(op, "merged state: %v", err)
		}
		if merged == nil {
			return Resolution{}, errs.InvalidState(op, "manual resolution requires a merged state")
		}
		if err := state.Validate(latest.ObjectType, merged); err != nil {
			return Resolution{}, errs.InvalidState(op, "%v", err)
		}
		resolution.WinningUserID = in.ResolvedBy
		target, apply = merged, true
	default:
		return Resolution{}, errs.InvalidState(op, "unsupported strategy %q", in.Strategy.Name())
	}

	through := latest
	if apply {
		applied := r.tracker.appendLocked(p, Change{
			ID:         util.NewID("chg"),
			ProjectID:  in.ProjectID,
			UserID:     in.ResolvedBy,
			Action:     actionFor(latest.After, target),
			ObjectType: latest.ObjectType,
			ObjectID:   in.ObjectID,
			Before:     latest.After.Clone(),
			After:      target.Clone(),
			Source:     SourceResolution,
		})
		through = applied
		out := applied.clone()
		resolution.AppliedChange = &out
		if resolution.WinningChangeID == "" {
			resolution.WinningChangeID = applied.ID
		}
	}
	resolution.ThroughChangeID = through.ID
	resolution.ResolvedAt = r.tracker.now()
	resolution.ConflictIDs = p.resolveThroughLocked(obj, p.byID[through.ID], resolution.ID)
	p.resolutions = append(p.resolutions, resolution)
	return resolution, nil
}

// OpenConflicts lists the project's unresolved conflicts in detection order.
func (r *Resolver) OpenConflicts(projectID string) []Conflict {
	out := []Conflict{}
	p, ok := r.tracker.projects.Lookup(projectID)
	if !ok {
		return out
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out
}

func (r *Resolver) Resolutions(projectID string) []Resolution {
	out := []Resolution{}
	p, ok := r.tracker.projects.Lookup(projectID)
	if !ok {
		return out
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(out, p.resolutions...)
}

// LoadResolution replays a persisted resolution after the changes it covers
// have been loaded.
func (r *Resolver) LoadResolution(resolution Resolution) {
	p := r.tracker.projects.Get(resolution.ProjectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	obj := p.object(resolution.ObjectID)
	if pos, ok := p.byID[resolution.ThroughChangeID]; ok {
		p.resolveThroughLocked(obj, pos, resolution.ID)
	}
	p.resolutions = append(p.resolutions, resolution)
}

func (t *Tracker) detectLocked(p *project, candidate Change, pos int) (Change, bool) {
	obj, ok := p.objects[candidate.ObjectID]
	if !ok || len(obj.positions) == 0 {
		return Change{}, false
	}
	items := p.changes()

	if pos >= 0 {
		idx := -1
		for i, at := range obj.positions {
			if at == pos {
				idx = i
				break
			}
		}
		if idx <= 0 {
			return Change{}, false
		}
		baseline := items[obj.positions[idx-1]]
		if ci, ok := p.conflictIndex[candidate.ID]; ok {
			return baseline, !p.conflicts[ci].Resolved
		}
		if pos <= obj.resolvedThrough {
			return baseline, false
		}
		return baseline, !state.Equal(baseline.After, items[pos].Before)
	}

	baseline := items[obj.positions[len(obj.positions)-1]]
	if !state.Equal(baseline.After, candidate.Before) {
		return baseline, true
	}
	if t.strict && len(obj.open) > 0 {
		return baseline, true
	}
	return baseline, false
}

func (p *project) openLocked(change, baseline Change, at time.Time) {
	conflict := Conflict{
		ID:            util.NewID("cfl"),
		ProjectID:     change.ProjectID,
		ObjectID:      change.ObjectID,
		ChangeID:      change.ID,
		ConflictsWith: baseline.ID,
		DetectedAt:    at,
	}
	p.conflictIndex[change.ID] = len(p.conflicts)
	p.conflicts = append(p.conflicts, conflict)
	obj := p.object(change.ObjectID)
	obj.open = append(obj.open, change.ID)
}

// resolveThroughLocked closes every open conflict on obj whose change sits at
// or before pos in the ledger and returns the closed conflict ids.
func (p *project) resolveThroughLocked(obj *object, pos int, resolutionID string) []string {
	if pos > obj.resolvedThrough {
		obj.resolvedThrough = pos
	}
	closed := []string{}
	remaining := obj.open[:0]
	for _, changeID := range obj.open {
		ci := p.conflictIndex[changeID]
		if p.byID[changeID] > pos {
			remaining = append(remaining, changeID)
			continue
		}
		p.conflicts[ci].Resolved = true
		p.conflicts[ci].ResolutionID = resolutionID
		closed = append(closed, p.conflicts[ci].ID)
	}
	obj.open = remaining
	return closed
}

func actionFor(before, after state.Value) Action {
	switch {
	case before == nil && after != nil:
		return ActionCreate
	case after == nil:
		return ActionDelete
	default:
		return ActionModify
	}
}
