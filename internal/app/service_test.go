package app

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abode/collab/internal/activity"
	"abode/collab/internal/archive"
	"abode/collab/internal/changes"
	"abode/collab/internal/comments"
	"abode/collab/internal/config"
	"abode/collab/internal/errs"
	"abode/collab/internal/events"
	"abode/collab/internal/notify"
	"abode/collab/internal/pubsub"
	"abode/collab/internal/rbac"
	"abode/collab/internal/session"
	"abode/collab/internal/state"
	"abode/collab/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		PresenceTimeout: time.Minute,
		PersistTimeout:  5 * time.Second,
		PersistWorkers:  2,
	}
}

func newTestService(t *testing.T, deps Deps) *Service {
	t.Helper()
	deps.Logger = zerolog.Nop()
	svc := New(testConfig(), deps)
	svc.Start(context.Background())
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func newSQLiteStore(t *testing.T) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DialectSQLite, filepath.Join(t.TempDir(), "collab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db, store.DialectSQLite))
	return store.NewSQLStore(db, store.DialectSQLite)
}

func seedProject(t *testing.T, svc *Service, projectID, owner string, members map[string]rbac.Role) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.CreateProject(ctx, projectID, owner)
	require.NoError(t, err)
	for userID, role := range members {
		_, err := svc.AddCollaborator(ctx, projectID, owner, userID, role)
		require.NoError(t, err)
	}
}

func TestVersionNumbersAreGaplessUnderConcurrency(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "project-123", "owner", nil)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	numbers := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := svc.CreateVersion(ctx, "project-123", "owner", "save", state.Value{"i": i})
			if err != nil {
				t.Errorf("create version: %v", err)
				return
			}
			numbers[i] = v.VersionNumber
		}(i)
	}
	wg.Wait()

	sort.Ints(numbers)
	for i, got := range numbers {
		if got != i+1 {
			t.Fatalf("version numbers %v are not 1..%d", numbers, n)
		}
	}
}

func TestRestoreRoundTripsSnapshotAndAudits(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "project-123", "owner", nil)
	ctx := context.Background()

	v1, err := svc.CreateVersion(ctx, "project-123", "owner", "first", state.Value{"walls": float64(1), "name": "a"})
	require.NoError(t, err)
	_, err = svc.CreateVersion(ctx, "project-123", "owner", "second", state.Value{"walls": float64(2)})
	require.NoError(t, err)

	_, err = svc.RestoreVersion(ctx, "project-123", v1.ID, "owner")
	require.NoError(t, err)

	current, err := svc.GetCurrentVersion(ctx, "project-123")
	require.NoError(t, err)
	assert.True(t, state.Equal(v1.Snapshot, current.Snapshot))
	assert.Len(t, svc.GetVersionHistory(ctx, "project-123"), 2)

	audit := svc.GetObjectHistory(ctx, ProjectStateObjectID("project-123"))
	require.Len(t, audit, 1)
	assert.Equal(t, changes.SourceRestore, audit[0].Source)
	assert.Equal(t, changes.ActionModify, audit[0].Action)
}

func TestCompareVersionsIsSymmetric(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "p", "owner", nil)
	ctx := context.Background()

	a, err := svc.CreateVersion(ctx, "p", "owner", "", state.Value{"keep": "x", "gone": 1, "edit": 1})
	require.NoError(t, err)
	b, err := svc.CreateVersion(ctx, "p", "owner", "", state.Value{"keep": "x", "new": 1, "edit": 2})
	require.NoError(t, err)

	ab, err := svc.CompareVersions(ctx, "p", a.ID, b.ID)
	require.NoError(t, err)
	ba, err := svc.CompareVersions(ctx, "p", b.ID, a.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"new"}, ab.Added)
	assert.Equal(t, []string{"gone"}, ab.Removed)
	assert.Equal(t, ab.Added, ba.Removed)
	assert.Equal(t, ab.Removed, ba.Added)
	assert.Equal(t, ab.Modified, ba.Modified)
}

func TestReplyThreadIDIsRootAtAnyDepth(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "p", "user-1", map[string]rbac.Role{"user-2": rbac.RoleViewer})
	ctx := context.Background()

	root, err := svc.CreateComment(ctx, comments.CreateInput{ProjectID: "p", UserID: "user-1", Content: "root"})
	require.NoError(t, err)
	parent := root
	for i := 0; i < 4; i++ {
		reply, err := svc.ReplyToComment(ctx, comments.ReplyInput{CommentID: parent.ID, UserID: "user-2", Content: "deeper"})
		require.NoError(t, err)
		assert.Equal(t, root.ID, reply.ThreadID)
		parent = reply
	}

	thread, err := svc.GetThread(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, thread, 5)
}

func TestResolveCommentIsIdempotent(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "p", "owner", nil)
	ctx := context.Background()

	c, err := svc.CreateComment(ctx, comments.CreateInput{ProjectID: "p", UserID: "owner", Content: "fix this"})
	require.NoError(t, err)

	first, err := svc.ResolveComment(ctx, c.ID, "owner")
	require.NoError(t, err)
	require.NotNil(t, first.ResolvedAt)
	second, err := svc.ResolveComment(ctx, c.ID, "owner")
	require.NoError(t, err)
	require.NotNil(t, second.ResolvedAt)
	assert.True(t, first.ResolvedAt.Equal(*second.ResolvedAt))
}

func TestReplyNotifiesParentAuthorOnce(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "project-123", "user-1", map[string]rbac.Role{"user-2": rbac.RoleEditor})
	ctx := context.Background()

	sub := svc.OnNotification("user-1")
	defer sub.Close()

	original, err := svc.CreateComment(ctx, comments.CreateInput{ProjectID: "project-123", UserID: "user-1", Content: "Original comment"})
	require.NoError(t, err)
	_, err = svc.ReplyToComment(ctx, comments.ReplyInput{CommentID: original.ID, UserID: "user-2", Content: "on it @user-1"})
	require.NoError(t, err)

	select {
	case n := <-sub.C():
		assert.Equal(t, notify.TypeReply, n.Type)
		assert.Equal(t, "user-2", n.Payload["from"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply notification")
	}
	select {
	case n := <-sub.C():
		t.Fatalf("unexpected second notification %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Len(t, svc.ListNotifications(ctx, "user-1"), 1)
}

func TestWallConflictScenario(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "p", "user-1", map[string]rbac.Role{"user-2": rbac.RoleEditor, "user-3": rbac.RoleEditor})
	ctx := context.Background()

	track := func(user string, action changes.Action, before, after state.Value) changes.TrackResult {
		t.Helper()
		res, err := svc.TrackChange(ctx, changes.Input{
			ProjectID: "p", UserID: user, Action: action,
			ObjectType: "wall", ObjectID: "wall-1", Before: before, After: after,
		})
		require.NoError(t, err)
		return res
	}

	first := track("user-1", changes.ActionCreate, nil, state.Value{"length": 10})
	assert.False(t, first.Conflict)
	second := track("user-2", changes.ActionModify, state.Value{"length": 10}, state.Value{"length": 12})
	assert.False(t, second.Conflict)
	third := track("user-3", changes.ActionModify, state.Value{"length": 10}, state.Value{"length": 11})
	assert.True(t, third.Conflict)
	assert.Equal(t, second.Change.ID, third.ConflictsWith)

	conflicted, err := svc.ChangeConflict(ctx, "p", third.Change.ID)
	require.NoError(t, err)
	assert.True(t, conflicted)
	require.Len(t, svc.GetOpenConflicts(ctx, "p"), 1)
	assert.Len(t, svc.GetProjectChanges(ctx, "p"), 3)

	resolution, err := svc.ResolveConflict(ctx, changes.ResolveInput{
		ProjectID: "p", ObjectID: "wall-1", ResolvedBy: "user-1",
		Strategy: changes.LastWriteWins{},
	})
	require.NoError(t, err)
	assert.Equal(t, "user-3", resolution.WinningUserID)

	conflicted, err = svc.ChangeConflict(ctx, "p", third.Change.ID)
	require.NoError(t, err)
	assert.False(t, conflicted)
	assert.Empty(t, svc.GetOpenConflicts(ctx, "p"))
}

func TestCollaboratorScenario(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "project-123", "owner", nil)
	ctx := context.Background()

	_, err := svc.AddCollaborator(ctx, "project-123", "owner", "user-456", rbac.RoleViewer)
	require.NoError(t, err)
	assert.True(t, svc.CheckPermission(ctx, "project-123", "user-456", rbac.CanView))
	assert.False(t, svc.CheckPermission(ctx, "project-123", "user-456", rbac.CanEdit))

	_, err = svc.UpdateCollaboratorRole(ctx, "project-123", "owner", "user-456", rbac.RoleEditor)
	require.NoError(t, err)
	assert.True(t, svc.CheckPermission(ctx, "project-123", "user-456", rbac.CanEdit))

	sub := svc.OnNotification("user-789")
	defer sub.Close()
	_, err = svc.AddCollaborator(ctx, "project-123", "owner", "user-789", rbac.RoleViewer)
	require.NoError(t, err)
	select {
	case n := <-sub.C():
		assert.Equal(t, notify.TypeCollaboratorAdded, n.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for collaborator notification")
	}
}

func TestPresenceScenario(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "project-123", "user-1", map[string]rbac.Role{"user-2": rbac.RoleViewer})
	ctx := context.Background()

	_, err := svc.JoinProject(ctx, "project-123", "user-1", "Alice")
	require.NoError(t, err)
	_, err = svc.JoinProject(ctx, "project-123", "user-2", "Bob")
	require.NoError(t, err)

	users := svc.GetActiveUsers(ctx, "project-123")
	require.Len(t, users, 2)
	names := []string{users[0].DisplayName, users[1].DisplayName}
	assert.ElementsMatch(t, []string{"Alice", "Bob"}, names)

	assert.True(t, svc.LeaveProject(ctx, "project-123", "user-1"))
	assert.False(t, svc.LeaveProject(ctx, "project-123", "user-1"))
	users = svc.GetActiveUsers(ctx, "project-123")
	require.Len(t, users, 1)
	assert.Equal(t, "Bob", users[0].DisplayName)
}

func newTestMirror(t *testing.T) *session.RedisMirror {
	t.Helper()
	mr := miniredis.RunT(t)
	mirror, err := session.NewRedisMirror("redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mirror.Close() })
	return mirror
}

// nextEvent waits for the first bus event of the given type.
func nextEvent(t *testing.T, sub *pubsub.Subscription[events.Event], want events.Type) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub.C():
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
			return events.Event{}
		}
	}
}

func TestSweepAnnouncesExpiredSessionsAndClearsMirror(t *testing.T) {
	mirror := newTestMirror(t)
	svc := newTestService(t, Deps{Mirror: mirror})
	seedProject(t, svc, "project-123", "user-1", map[string]rbac.Role{"user-2": rbac.RoleViewer})
	ctx := context.Background()
	sub := svc.bus.SubscribeAll()
	defer sub.Close()

	_, err := svc.JoinProject(ctx, "project-123", "user-1", "Alice")
	require.NoError(t, err)
	require.NoError(t, svc.Flush(ctx))
	cluster, err := svc.GetClusterActiveUsers(ctx, "project-123")
	require.NoError(t, err)
	require.Len(t, cluster, 1)

	expired := svc.presence.Sweep(time.Now().Add(2 * testConfig().PresenceTimeout))
	require.Len(t, expired, 1)

	left := nextEvent(t, sub, events.UserLeft)
	assert.Equal(t, "project-123", left.ProjectID)
	assert.Equal(t, "user-1", left.UserID)
	assert.Equal(t, map[string]any{"expired": true}, left.Payload)

	require.NoError(t, svc.Flush(ctx))
	cluster, err = svc.GetClusterActiveUsers(ctx, "project-123")
	require.NoError(t, err)
	assert.Empty(t, cluster)

	_, err = svc.JoinProject(ctx, "project-123", "user-2", "Bob")
	require.NoError(t, err)
	assert.True(t, svc.ExpireSession(ctx, "project-123", "user-2"))
	assert.False(t, svc.ExpireSession(ctx, "project-123", "user-2"))
	left = nextEvent(t, sub, events.UserLeft)
	assert.Equal(t, "user-2", left.UserID)
}

func TestMirrorMatchesHubAfterRacingJoinsAndLeaves(t *testing.T) {
	mirror := newTestMirror(t)
	svc := newTestService(t, Deps{Mirror: mirror})
	seedProject(t, svc, "project-123", "user-1", nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = svc.JoinProject(ctx, "project-123", "user-1", "Alice")
				return
			}
			svc.LeaveProject(ctx, "project-123", "user-1")
		}(i)
	}
	wg.Wait()
	require.NoError(t, svc.Flush(ctx))

	cluster, err := svc.GetClusterActiveUsers(ctx, "project-123")
	require.NoError(t, err)
	assert.Len(t, cluster, len(svc.GetActiveUsers(ctx, "project-123")))
}

func TestConcurrentVersionWritesPersistLatestCurrent(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	first := New(testConfig(), Deps{Store: st, Logger: zerolog.Nop()})
	first.Start(ctx)
	seedProject(t, first, "p", "user-1", nil)
	base, err := first.CreateVersion(ctx, "p", "user-1", "base", state.Value{"walls": float64(1)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%3 == 0 {
				if _, err := first.RestoreVersion(ctx, "p", base.ID, "user-1"); err != nil {
					t.Errorf("restore: %v", err)
				}
				return
			}
			if _, err := first.CreateVersion(ctx, "p", "user-1", "save", state.Value{"walls": float64(i)}); err != nil {
				t.Errorf("create version: %v", err)
			}
		}(i)
	}
	wg.Wait()
	want, err := first.GetCurrentVersion(ctx, "p")
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second := New(testConfig(), Deps{Store: st, Logger: zerolog.Nop()})
	require.NoError(t, second.Bootstrap(ctx))
	t.Cleanup(func() { _ = second.Close(ctx) })

	got, err := second.GetCurrentVersion(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, want.VersionID, got.VersionID)
	assert.Equal(t, want.Restored, got.Restored)
}

func TestMutationsRequireCapability(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "p", "owner", map[string]rbac.Role{"viewer": rbac.RoleViewer})
	ctx := context.Background()

	_, err := svc.CreateVersion(ctx, "p", "viewer", "", state.Value{"a": 1})
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
	_, err = svc.TrackChange(ctx, changes.Input{ProjectID: "p", UserID: "viewer", Action: changes.ActionCreate, ObjectType: "wall", ObjectID: "w", After: state.Value{"a": 1}})
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
	_, err = svc.AddCollaborator(ctx, "p", "viewer", "someone", rbac.RoleViewer)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
	_, err = svc.CreateComment(ctx, comments.CreateInput{ProjectID: "p", UserID: "stranger", Content: "hi"})
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
	_, err = svc.JoinProject(ctx, "p", "stranger", "Stranger")
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	assert.Empty(t, svc.GetVersionHistory(ctx, "p"))
	assert.Empty(t, svc.GetProjectChanges(ctx, "p"))
}

func TestLastAdminCannotLeaveOrBeDemoted(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "p", "owner", map[string]rbac.Role{"editor": rbac.RoleEditor})
	ctx := context.Background()

	err := svc.RemoveCollaborator(ctx, "p", "owner", "owner")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = svc.UpdateCollaboratorRole(ctx, "p", "owner", "owner", rbac.RoleEditor)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	_, err = svc.UpdateCollaboratorRole(ctx, "p", "owner", "editor", rbac.RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, svc.RemoveCollaborator(ctx, "p", "editor", "owner"))
	assert.False(t, svc.CheckPermission(ctx, "p", "owner", rbac.CanView))

	err = svc.RemoveCollaborator(ctx, "p", "editor", "nobody")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateProjectTwiceIsInvalid(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "p", "owner", nil)

	_, err := svc.CreateProject(context.Background(), "p", "intruder")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.False(t, svc.CheckPermission(context.Background(), "p", "intruder", rbac.CanView))
}

func TestReplyToMissingParentIsInvalid(t *testing.T) {
	svc := newTestService(t, Deps{})
	_, err := svc.ReplyToComment(context.Background(), comments.ReplyInput{CommentID: "cmt_missing", UserID: "u", Content: "?"})
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestUploadWithoutStorageIsInvalid(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "p", "owner", nil)
	ctx := context.Background()
	c, err := svc.CreateComment(ctx, comments.CreateInput{ProjectID: "p", UserID: "owner", Content: "see file"})
	require.NoError(t, err)

	_, err = svc.UploadAttachment(ctx, c.ID, "owner", "plan.pdf", "application/pdf", nil, 10)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestActivityFeedMergesSources(t *testing.T) {
	svc := newTestService(t, Deps{})
	seedProject(t, svc, "p", "owner", nil)
	ctx := context.Background()

	_, err := svc.TrackChange(ctx, changes.Input{ProjectID: "p", UserID: "owner", Action: changes.ActionCreate, ObjectType: "wall", ObjectID: "w", After: state.Value{"a": 1}})
	require.NoError(t, err)
	_, err = svc.CreateComment(ctx, comments.CreateInput{ProjectID: "p", UserID: "owner", Content: "note"})
	require.NoError(t, err)
	_, err = svc.CreateVersion(ctx, "p", "owner", "v1", state.Value{"a": 1})
	require.NoError(t, err)

	feed := svc.GetActivityFeed(ctx, "p", activity.Filter{})
	assert.Len(t, feed, 3)
	for i := 1; i < len(feed); i++ {
		assert.False(t, feed[i].Timestamp.After(feed[i-1].Timestamp), "feed must be newest first")
	}
}

func TestBootstrapRestoresPersistedState(t *testing.T) {
	st := newSQLiteStore(t)
	arch := archive.New(t.TempDir())
	ctx := context.Background()

	first := New(testConfig(), Deps{Store: st, Archive: arch, Logger: zerolog.Nop()})
	first.Start(ctx)
	seedProject(t, first, "p", "user-1", map[string]rbac.Role{"user-2": rbac.RoleEditor})
	v1, err := first.CreateVersion(ctx, "p", "user-1", "first", state.Value{"walls": float64(3)})
	require.NoError(t, err)
	_, err = first.CreateVersion(ctx, "p", "user-1", "second", state.Value{"walls": float64(4)})
	require.NoError(t, err)
	_, err = first.RestoreVersion(ctx, "p", v1.ID, "user-2")
	require.NoError(t, err)
	root, err := first.CreateComment(ctx, comments.CreateInput{ProjectID: "p", UserID: "user-1", Content: "check @user-2"})
	require.NoError(t, err)
	_, err = first.ReplyToComment(ctx, comments.ReplyInput{CommentID: root.ID, UserID: "user-2", Content: "done"})
	require.NoError(t, err)
	_, err = first.TrackChange(ctx, changes.Input{ProjectID: "p", UserID: "user-2", Action: changes.ActionCreate, ObjectType: "wall", ObjectID: "w", After: state.Value{"l": float64(1)}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(first.ListNotifications(ctx, "user-1")) == 1 && len(first.ListNotifications(ctx, "user-2")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	// Close drains every pending write.
	require.NoError(t, first.Close(ctx))

	second := New(testConfig(), Deps{Store: st, Archive: arch, Logger: zerolog.Nop()})
	require.NoError(t, second.Bootstrap(ctx))
	t.Cleanup(func() { _ = second.Close(ctx) })

	assert.True(t, second.CheckPermission(ctx, "p", "user-2", rbac.CanEdit))
	assert.Len(t, second.GetVersionHistory(ctx, "p"), 2)
	current, err := second.GetCurrentVersion(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, current.VersionID)
	assert.True(t, current.Restored)

	thread, err := second.GetThread(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, thread, 2)
	assert.Len(t, second.GetProjectChanges(ctx, "p"), 2)
	assert.Len(t, second.ListNotifications(ctx, "user-1"), 1)
	assert.Len(t, second.ListNotifications(ctx, "user-2"), 2)

	history, err := second.GetArchiveHistory(ctx, "p", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	v3, err := second.CreateVersion(ctx, "p", "user-1", "third", state.Value{"walls": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, 3, v3.VersionNumber)
}
