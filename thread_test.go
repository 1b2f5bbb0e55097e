package converge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	resp     *ThreadResponse
	err      error
	calls    int
	during   func()
	gotID    string
	gotScope Scope
}

func (f *stubFetcher) Thread(ctx context.Context, scope Scope, threadID string) (*ThreadResponse, error) {
	f.calls++
	f.gotID = threadID
	f.gotScope = scope
	if f.during != nil {
		f.during()
	}
	return f.resp, f.err
}

func reply(id, parentID string) Message {
	return Message{ID: MessageID(id), ParentID: MessageID(parentID), Content: "re " + id, Status: StatusConfirmed}
}

func TestThreadOpenWithoutThreadIDSkipsFetch(t *testing.T) {
	o := NewThreadOverlay()
	f := &stubFetcher{}

	require.NoError(t, o.Open(context.Background(), confirmed("1", "a", "parent"), f))
	assert.Equal(t, 0, f.calls)

	v := o.View()
	assert.Equal(t, ThreadOpen, v.State)
	assert.Empty(t, v.Replies)
	assert.Equal(t, MessageID("1"), v.Parent.ID)
}

func TestThreadOpenFetchesReplies(t *testing.T) {
	o := NewThreadOverlay()
	parent := confirmed("1", "a", "parent")
	parent.ThreadID = "t1"
	f := &stubFetcher{resp: &ThreadResponse{Replies: []Message{reply("r1", "1"), reply("r2", "1")}}}

	require.NoError(t, o.Open(context.Background(), parent, f))
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, "t1", f.gotID)
	assert.Equal(t, testScope, f.gotScope)

	v := o.View()
	assert.Equal(t, ThreadOpen, v.State)
	require.Len(t, v.Replies, 2)
	assert.Equal(t, MessageID("r1"), v.Replies[0].ID)
}

func TestThreadFetchFailureLeavesErrorState(t *testing.T) {
	o := NewThreadOverlay()
	parent := confirmed("1", "a", "parent")
	parent.ThreadID = "t1"
	boom := errors.New("boom")

	err := o.Open(context.Background(), parent, &stubFetcher{err: boom})
	require.ErrorIs(t, err, boom)

	v := o.View()
	assert.Equal(t, ThreadError, v.State)
	assert.ErrorIs(t, v.Err, boom)
	assert.Equal(t, MessageID("1"), o.ParentID(), "composing a reply stays possible")
	assert.True(t, o.Accept(reply("r1", "1")))
}

func TestThreadRepliesPushedWhileLoadingAreMerged(t *testing.T) {
	o := NewThreadOverlay()
	parent := confirmed("1", "a", "parent")
	parent.ThreadID = "t1"
	f := &stubFetcher{resp: &ThreadResponse{Replies: []Message{reply("r1", "1"), reply("r2", "1")}}}
	f.during = func() {
		assert.Equal(t, ThreadLoading, o.View().State)
		assert.True(t, o.Accept(reply("r2", "1")))
		assert.True(t, o.Accept(reply("r3", "1")))
	}

	require.NoError(t, o.Open(context.Background(), parent, f))
	v := o.View()
	require.Len(t, v.Replies, 3)
	assert.Equal(t, MessageID("r1"), v.Replies[0].ID)
	assert.Equal(t, MessageID("r2"), v.Replies[1].ID)
	assert.Equal(t, MessageID("r3"), v.Replies[2].ID)
}

func TestThreadClosedWhileLoadingIgnoresResult(t *testing.T) {
	o := NewThreadOverlay()
	parent := confirmed("1", "a", "parent")
	parent.ThreadID = "t1"
	f := &stubFetcher{resp: &ThreadResponse{Replies: []Message{reply("r1", "1")}}}
	f.during = o.Close

	require.NoError(t, o.Open(context.Background(), parent, f))
	assert.Equal(t, NoThread, o.View().State)
	assert.Empty(t, o.View().Replies)
}

func TestThreadAccept(t *testing.T) {
	o := NewThreadOverlay()
	assert.False(t, o.Accept(reply("r1", "1")), "no thread open")

	require.NoError(t, o.Open(context.Background(), confirmed("1", "a", "parent"), nil))
	assert.True(t, o.Accept(reply("r1", "1")))
	assert.False(t, o.Accept(reply("r1", "1")), "duplicate")
	assert.False(t, o.Accept(reply("r2", "2")), "other parent")
	assert.False(t, o.Accept(confirmed("3", "a", "top level")))

	withThread := reply("r3", "1")
	withThread.ThreadID = "t9"
	assert.True(t, o.Accept(withThread))
	assert.Equal(t, "t9", o.View().Parent.ThreadID)
	assert.Len(t, o.View().Replies, 2)
}

func TestThreadSyncParentAndClose(t *testing.T) {
	o := NewThreadOverlay()
	require.NoError(t, o.Open(context.Background(), confirmed("1", "a", "parent"), nil))

	updated := confirmed("1", "a", "parent")
	updated.ReplyCount = 4
	o.SyncParent(updated)
	o.SyncParent(confirmed("2", "a", "other"))
	assert.Equal(t, 4, o.View().Parent.ReplyCount)
	assert.Equal(t, MessageID("1"), o.View().Parent.ID)

	o.Close()
	v := o.View()
	assert.Equal(t, NoThread, v.State)
	assert.Empty(t, v.Parent.ID)
	assert.Empty(t, o.ParentID())
}

func TestThreadViewIsSnapshot(t *testing.T) {
	o := NewThreadOverlay()
	require.NoError(t, o.Open(context.Background(), confirmed("1", "a", "parent"), nil))
	o.Accept(reply("r1", "1"))

	v := o.View()
	v.Replies[0].Content = "changed"
	assert.Equal(t, "re r1", o.View().Replies[0].Content)
}
