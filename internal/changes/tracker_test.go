package changes

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abode/collab/internal/errs"
	"abode/collab/internal/state"
)

func track(t *testing.T, tr *Tracker, user string, action Action, before, after state.Value) TrackResult {
	t.Helper()
	result, err := tr.Track(Input{
		ProjectID:  "project-1",
		UserID:     user,
		Action:     action,
		ObjectType: "wall",
		ObjectID:   "wall-1",
		Before:     before,
		After:      after,
	})
	require.NoError(t, err)
	return result
}

func TestStaleBeforeIsFlaggedButRecorded(t *testing.T) {
	tr := NewTracker()

	first := track(t, tr, "user-1", ActionCreate, nil, state.Value{"length": 10})
	assert.False(t, first.Conflict)

	second := track(t, tr, "user-2", ActionModify, state.Value{"length": 10}, state.Value{"length": 12})
	assert.False(t, second.Conflict)

	third := track(t, tr, "user-3", ActionModify, state.Value{"length": 10}, state.Value{"length": 11})
	assert.True(t, third.Conflict)
	assert.Equal(t, second.Change.ID, third.ConflictsWith)

	history := tr.ObjectHistory("wall-1")
	require.Len(t, history, 3)
	assert.Equal(t, third.Change.ID, history[0].ID)
	assert.Equal(t, first.Change.ID, history[2].ID)
}

func TestActionValidation(t *testing.T) {
	tr := NewTracker()
	cases := []struct {
		name   string
		action Action
		before state.Value
		after  state.Value
	}{
		{name: "create with before", action: ActionCreate, before: state.Value{"a": 1}, after: state.Value{"a": 2}},
		{name: "create without after", action: ActionCreate},
		{name: "delete with after", action: ActionDelete, before: state.Value{"a": 1}, after: state.Value{"a": 2}},
		{name: "modify without before", action: ActionModify, after: state.Value{"a": 1}},
		{name: "modify without after", action: ActionModify, before: state.Value{"a": 1}},
		{name: "unknown action", action: Action("rename"), after: state.Value{"a": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tr.Track(Input{ProjectID: "p", UserID: "u", Action: tc.action, ObjectType: "room", ObjectID: "o", Before: tc.before, After: tc.after})
			require.ErrorIs(t, err, errs.ErrInvalidState)
		})
	}
	assert.Empty(t, tr.ProjectChanges("p"))

	_, err := tr.Track(Input{ProjectID: "p", UserID: "u", Action: ActionCreate, ObjectType: "room", ObjectID: "o", After: state.Value{}})
	require.NoError(t, err)
	_, err = tr.Track(Input{ProjectID: "p", UserID: "u", Action: ActionCreate, ObjectType: "wall", ObjectID: "w", After: state.Value{"length": "long"}})
	require.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tr.Track(Input{
				ProjectID:  "project-1",
				UserID:     "user-1",
				Action:     ActionCreate,
				ObjectType: "door",
				ObjectID:   fmt.Sprintf("door-%d", i),
				After:      state.Value{"width": 1},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	items := tr.ProjectChanges("project-1")
	require.Len(t, items, 100)
	for i := 1; i < len(items); i++ {
		assert.True(t, items[i].Timestamp.After(items[i-1].Timestamp))
	}
}

func TestObjectHistoryAcrossProjects(t *testing.T) {
	tr := NewTracker()
	for _, projectID := range []string{"project-a", "project-b"} {
		_, err := tr.Track(Input{ProjectID: projectID, UserID: "u", Action: ActionCreate, ObjectType: "wall", ObjectID: "shared", After: state.Value{"p": projectID}})
		require.NoError(t, err)
	}
	history := tr.ObjectHistory("shared")
	require.Len(t, history, 2)
	assert.Equal(t, "project-b", history[0].ProjectID)
	assert.Empty(t, tr.ObjectHistory("missing"))
}

func TestRecordSkipsDetection(t *testing.T) {
	tr := NewTracker()
	track(t, tr, "user-1", ActionCreate, nil, state.Value{"length": 10})

	change, err := tr.Record(Input{
		ProjectID:  "project-1",
		UserID:     "user-2",
		Action:     ActionModify,
		ObjectType: "wall",
		ObjectID:   "wall-1",
		Before:     state.Value{"length": 99},
		After:      state.Value{"length": 1},
		Source:     SourceRestore,
	})
	require.NoError(t, err)
	assert.Equal(t, SourceRestore, change.Source)
	assert.Empty(t, NewResolver(tr).OpenConflicts("project-1"))
}

func TestLoadRebuildsOpenConflicts(t *testing.T) {
	src := NewTracker()
	track(t, src, "user-1", ActionCreate, nil, state.Value{"length": 10})
	track(t, src, "user-2", ActionModify, state.Value{"length": 10}, state.Value{"length": 12})
	track(t, src, "user-3", ActionModify, state.Value{"length": 10}, state.Value{"length": 11})

	dst := NewTracker()
	for _, change := range src.ProjectChanges("project-1") {
		dst.Load(change)
		dst.Load(change)
	}
	assert.Len(t, dst.ProjectChanges("project-1"), 3)
	assert.Len(t, NewResolver(dst).OpenConflicts("project-1"), 1)
}
