package changes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abode/collab/internal/errs"
	"abode/collab/internal/state"
)

func conflictingLedger(t *testing.T, opts ...Option) (*Tracker, *Resolver, TrackResult, TrackResult) {
	t.Helper()
	tr := NewTracker(opts...)
	track(t, tr, "user-1", ActionCreate, nil, state.Value{"length": 10})
	a := track(t, tr, "user-2", ActionModify, state.Value{"length": 10}, state.Value{"length": 12})
	b := track(t, tr, "user-3", ActionModify, state.Value{"length": 10}, state.Value{"length": 11})
	require.True(t, b.Conflict)
	return tr, NewResolver(tr), a, b
}

func TestResolvedPairIsNotReported(t *testing.T) {
	_, r, _, b := conflictingLedger(t)

	assert.True(t, r.Detect(b.Change))
	require.Len(t, r.OpenConflicts("project-1"), 1)

	resolution, err := r.Resolve(ResolveInput{
		ProjectID:  "project-1",
		ObjectID:   "wall-1",
		ResolvedBy: "user-1",
		Strategy:   LastWriteWins{},
	})
	require.NoError(t, err)
	assert.Equal(t, "last-write-wins", resolution.Strategy)
	assert.Equal(t, "user-3", resolution.WinningUserID)
	assert.Nil(t, resolution.AppliedChange)
	assert.Len(t, resolution.ConflictIDs, 1)

	assert.False(t, r.Detect(b.Change))
	assert.Empty(t, r.OpenConflicts("project-1"))
	assert.Len(t, r.Resolutions("project-1"), 1)
}

func TestDetectCandidateAgainstLatest(t *testing.T) {
	tr, r, _, _ := conflictingLedger(t)
	assert.False(t, r.Detect(Change{ProjectID: "project-1", ObjectID: "wall-1", Before: state.Value{"length": 11}}))
	assert.True(t, r.Detect(Change{ProjectID: "project-1", ObjectID: "wall-1", Before: state.Value{"length": 12}}))
	assert.False(t, r.Detect(Change{ProjectID: "project-1", ObjectID: "wall-9", Before: state.Value{"length": 1}}))
	assert.Len(t, tr.ProjectChanges("project-1"), 3)
}

func TestLastWriteWinsWithEarlierWinnerReapplies(t *testing.T) {
	tr, r, a, _ := conflictingLedger(t)

	resolution, err := r.Resolve(ResolveInput{
		ProjectID:  "project-1",
		ObjectID:   "wall-1",
		ResolvedBy: "user-1",
		Strategy:   LastWriteWins{Winner: "user-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "user-2", resolution.WinningUserID)
	assert.Equal(t, a.Change.ID, resolution.WinningChangeID)
	require.NotNil(t, resolution.AppliedChange)
	assert.Equal(t, SourceResolution, resolution.AppliedChange.Source)
	assert.True(t, state.Equal(state.Value{"length": 12}, resolution.AppliedChange.After))

	latest := tr.ObjectHistory("wall-1")[0]
	assert.Equal(t, resolution.AppliedChange.ID, latest.ID)
	assert.Equal(t, ActionModify, latest.Action)

	_, err = r.Resolve(ResolveInput{ProjectID: "project-1", ObjectID: "wall-1", ResolvedBy: "user-1", Strategy: LastWriteWins{Winner: "user-9"}})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestManualResolutionRecordsMergedState(t *testing.T) {
	tr, r, _, b := conflictingLedger(t)

	resolution, err := r.Resolve(ResolveInput{
		ProjectID:  "project-1",
		ObjectID:   "wall-1",
		ResolvedBy: "user-4",
		Strategy:   Manual{MergedState: state.Value{"length": 11.5}},
	})
	require.NoError(t, err)
	require.NotNil(t, resolution.AppliedChange)
	assert.Equal(t, "user-4", resolution.AppliedChange.UserID)
	assert.Equal(t, ActionModify, resolution.AppliedChange.Action)
	assert.True(t, state.Equal(state.Value{"length": 11}, resolution.AppliedChange.Before))
	assert.False(t, r.Detect(b.Change))

	next, err := tr.Track(Input{ProjectID: "project-1", UserID: "user-2", Action: ActionModify, ObjectType: "wall", ObjectID: "wall-1", Before: state.Value{"length": 11.5}, After: state.Value{"length": 13}})
	require.NoError(t, err)
	assert.False(t, next.Conflict)
}

func TestResolveErrors(t *testing.T) {
	_, r, _, _ := conflictingLedger(t)

	_, err := r.Resolve(ResolveInput{ProjectID: "project-1", ObjectID: "wall-9", ResolvedBy: "u", Strategy: LastWriteWins{}})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = r.Resolve(ResolveInput{ProjectID: "project-1", ObjectID: "wall-1", ResolvedBy: "u"})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = r.Resolve(ResolveInput{ProjectID: "project-1", ObjectID: "wall-1", ResolvedBy: "u", Strategy: Manual{}})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Len(t, r.OpenConflicts("project-1"), 1)
}

func TestStrictModeFlagsUntilResolved(t *testing.T) {
	tr, r, _, _ := conflictingLedger(t, WithStrict(true))

	fresh, err := tr.Track(Input{ProjectID: "project-1", UserID: "user-2", Action: ActionModify, ObjectType: "wall", ObjectID: "wall-1", Before: state.Value{"length": 11}, After: state.Value{"length": 14}})
	require.NoError(t, err)
	assert.True(t, fresh.Conflict)
	assert.Len(t, r.OpenConflicts("project-1"), 2)

	_, err = r.Resolve(ResolveInput{ProjectID: "project-1", ObjectID: "wall-1", ResolvedBy: "user-1", Strategy: LastWriteWins{}})
	require.NoError(t, err)

	after, err := tr.Track(Input{ProjectID: "project-1", UserID: "user-2", Action: ActionModify, ObjectType: "wall", ObjectID: "wall-1", Before: state.Value{"length": 14}, After: state.Value{"length": 15}})
	require.NoError(t, err)
	assert.False(t, after.Conflict)
}

func TestLoadResolutionClosesReplayedConflicts(t *testing.T) {
	src, r, _, _ := conflictingLedger(t)
	resolution, err := r.Resolve(ResolveInput{ProjectID: "project-1", ObjectID: "wall-1", ResolvedBy: "user-1", Strategy: LastWriteWins{}})
	require.NoError(t, err)

	dst := NewTracker()
	for _, change := range src.ProjectChanges("project-1") {
		dst.Load(change)
	}
	dr := NewResolver(dst)
	require.Len(t, dr.OpenConflicts("project-1"), 1)
	dr.LoadResolution(resolution)
	assert.Empty(t, dr.OpenConflicts("project-1"))
}
