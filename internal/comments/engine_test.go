package comments

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abode/collab/internal/errs"
)

func TestRepliesShareRootThreadAtAnyDepth(t *testing.T) {
	e := NewEngine()
	root, err := e.Create(CreateInput{ProjectID: "project-123", UserID: "user-1", Content: "Original comment"})
	require.NoError(t, err)
	assert.Equal(t, root.ID, root.ThreadID)
	assert.False(t, root.Resolved)

	parent := root
	for depth := 0; depth < 5; depth++ {
		reply, err := e.Reply(ReplyInput{CommentID: parent.ID, UserID: "user-2", Content: "reply"})
		require.NoError(t, err)
		assert.Equal(t, root.ID, reply.ThreadID)
		assert.Equal(t, parent.ID, reply.ParentID)
		assert.Equal(t, "project-123", reply.ProjectID)
		parent = reply
	}

	thread, err := e.Thread(root.ID)
	require.NoError(t, err)
	assert.Len(t, thread, 6)
	assert.Equal(t, root.ID, thread[0].ID)
}

func TestReplyToMissingParentIsInvalidState(t *testing.T) {
	e := NewEngine()
	_, err := e.Reply(ReplyInput{CommentID: "cmt_missing", UserID: "user-1", Content: "hi"})
	require.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestCreateRequiresContent(t *testing.T) {
	e := NewEngine()
	_, err := e.Create(CreateInput{ProjectID: "p", UserID: "u", Content: "   "})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Empty(t, e.List("p", Filter{}))
}

func TestResolveIsIdempotent(t *testing.T) {
	e := NewEngine()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	e.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	comment, err := e.Create(CreateInput{ProjectID: "p", UserID: "u", Content: "fix the wall"})
	require.NoError(t, err)

	first, changed, err := e.Resolve(comment.ID, "reviewer")
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, first.ResolvedAt)

	second, changed, err := e.Resolve(comment.ID, "someone-else")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, *first.ResolvedAt, *second.ResolvedAt)
	assert.Equal(t, "reviewer", second.ResolvedBy)

	_, _, err = e.Resolve("cmt_missing", "reviewer")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListFiltersByResolved(t *testing.T) {
	e := NewEngine()
	a, err := e.Create(CreateInput{ProjectID: "p", UserID: "u", Content: "a"})
	require.NoError(t, err)
	_, err = e.Create(CreateInput{ProjectID: "p", UserID: "u", Content: "b"})
	require.NoError(t, err)
	_, _, err = e.Resolve(a.ID, "u")
	require.NoError(t, err)

	resolved, open := true, false
	assert.Len(t, e.List("p", Filter{}), 2)
	assert.Len(t, e.List("p", Filter{Resolved: &resolved}), 1)
	assert.Equal(t, "b", e.List("p", Filter{Resolved: &open})[0].Content)
}

func TestMentionsStoredOnComment(t *testing.T) {
	e := NewEngine()
	comment, err := e.Create(CreateInput{ProjectID: "p", UserID: "alice", Content: "@bob and @carol.smith, see @bob. Also @alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol.smith"}, comment.Mentions)
}

func TestConcurrentCreatesKeepOrder(t *testing.T) {
	e := NewEngine()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Create(CreateInput{ProjectID: "p", UserID: "u", Content: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	list := e.List("p", Filter{})
	require.Len(t, list, 50)
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i].CreatedAt.After(list[i-1].CreatedAt))
	}
}

func TestLoadAndAttach(t *testing.T) {
	e := NewEngine()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Load(Comment{ID: "cmt_2", ProjectID: "p", UserID: "u", Content: "later", ThreadID: "cmt_2", CreatedAt: at.Add(time.Hour)})
	e.Load(Comment{ID: "cmt_1", ProjectID: "p", UserID: "u", Content: "earlier", ThreadID: "cmt_1", CreatedAt: at})

	list := e.List("p", Filter{})
	require.Len(t, list, 2)
	assert.Equal(t, "cmt_1", list[0].ID)

	updated, err := e.AttachFiles("cmt_1", Attachment{ID: "att_1", Name: "plan.pdf"})
	require.NoError(t, err)
	assert.Len(t, updated.Attachments, 1)

	next, err := e.Create(CreateInput{ProjectID: "p", UserID: "u", Content: "new"})
	require.NoError(t, err)
	assert.True(t, next.CreatedAt.After(at.Add(time.Hour)))
}
