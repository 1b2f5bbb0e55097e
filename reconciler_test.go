package converge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestReconciler() *Reconciler {
	r := NewReconciler()
	r.now = func() time.Time { return t0 }
	return r
}

func confirmed(id, senderID, content string) Message {
	return Message{
		ID:        MessageID(id),
		Scope:     testScope,
		Sender:    Sender{ID: senderID},
		Content:   content,
		Timestamp: t0.Add(time.Second),
	}
}

func TestIngestAppendsInOrder(t *testing.T) {
	r := newTestReconciler()
	assert.Equal(t, Appended, r.Ingest(confirmed("1", "a", "one")))
	assert.Equal(t, Appended, r.Ingest(confirmed("2", "b", "two")))

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageID("1"), msgs[0].ID)
	assert.Equal(t, MessageID("2"), msgs[1].ID)
	assert.Equal(t, StatusConfirmed, msgs[0].Status)
}

func TestIngestSameIDIsIdempotent(t *testing.T) {
	r := newTestReconciler()
	r.Ingest(confirmed("1", "a", "one"))
	before := r.Messages()

	assert.Equal(t, Duplicate, r.Ingest(confirmed("1", "a", "one")))
	assert.Equal(t, Duplicate, r.Ingest(confirmed("1", "a", "edited?")))
	assert.Equal(t, before, r.Messages())
}

func TestIngestReplacesPendingInPlace(t *testing.T) {
	r := newTestReconciler()
	r.Ingest(confirmed("1", "b", "before"))
	pending := r.AddPending(Message{Scope: testScope, Sender: Sender{ID: "me"}, Content: "hello"})
	r.Ingest(confirmed("2", "b", "after"))
	require.Equal(t, 3, r.Len())

	assert.Equal(t, Replaced, r.Ingest(confirmed("10", "me", "hello")))

	msgs := r.Messages()
	require.Len(t, msgs, 3, "no duplicate entry")
	assert.Equal(t, MessageID("10"), msgs[1].ID, "replacement keeps position")
	assert.Equal(t, StatusConfirmed, msgs[1].Status)
	assert.Equal(t, pending.ClientID, msgs[1].ClientID)

	got, ok := r.Get("10")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Content)
}

func TestIngestReplacesOnlyFirstMatchingPending(t *testing.T) {
	r := newTestReconciler()
	first := r.AddPending(Message{Sender: Sender{ID: "me"}, Content: "same"})
	second := r.AddPending(Message{Sender: Sender{ID: "me"}, Content: "same"})

	assert.Equal(t, Replaced, r.Ingest(confirmed("1", "me", "same")))
	msgs := r.Messages()
	assert.Equal(t, first.ClientID, msgs[0].ClientID)
	assert.Equal(t, StatusConfirmed, msgs[0].Status)
	assert.Equal(t, second.ClientID, msgs[1].ClientID)
	assert.True(t, msgs[1].Pending())

	assert.Equal(t, Replaced, r.Ingest(confirmed("2", "me", "same")))
	assert.False(t, r.Messages()[1].Pending())
}

func TestIngestDoesNotMatchOtherSenderOrBody(t *testing.T) {
	r := newTestReconciler()
	r.AddPending(Message{Sender: Sender{ID: "me"}, Content: "hello"})

	assert.Equal(t, Appended, r.Ingest(confirmed("1", "you", "hello")))
	assert.Equal(t, Appended, r.Ingest(confirmed("2", "me", "hello!")))
	assert.Equal(t, 3, r.Len())
	assert.True(t, r.Messages()[0].Pending())
}

func TestIngestPrefersSameAttachmentName(t *testing.T) {
	r := newTestReconciler()
	first := r.AddPending(Message{Sender: Sender{ID: "me"}, Attachment: &Attachment{Name: "a.pdf"}})
	second := r.AddPending(Message{Sender: Sender{ID: "me"}, Attachment: &Attachment{Name: "b.pdf"}})

	echo := confirmed("1", "me", "")
	echo.Attachment = &Attachment{URL: "https://cdn/b.pdf", Name: "b.pdf"}
	assert.Equal(t, Replaced, r.Ingest(echo))

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ClientID, msgs[0].ClientID)
	assert.Equal(t, StatusPending, msgs[0].Status)
	assert.Equal(t, second.ClientID, msgs[1].ClientID)
	assert.Equal(t, MessageID("1"), msgs[1].ID)
}

func TestIngestReplacesPendingWhenServerRenamesFile(t *testing.T) {
	r := newTestReconciler()
	pending := r.AddPending(Message{Sender: Sender{ID: "me"}, Attachment: &Attachment{Name: "a.pdf"}})

	echo := confirmed("2", "me", "")
	echo.Attachment = &Attachment{URL: "https://cdn/a_1.pdf", Name: "a_1.pdf"}
	assert.Equal(t, Replaced, r.Ingest(echo))

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, pending.ClientID, msgs[0].ClientID)
	assert.Equal(t, "a_1.pdf", msgs[0].Attachment.Name)
}

func TestIngestMatchWindow(t *testing.T) {
	r := newTestReconciler()
	r.AddPending(Message{Sender: Sender{ID: "me"}, Content: "hi"})

	stale := confirmed("1", "me", "hi")
	stale.Timestamp = t0.Add(-time.Hour)
	assert.Equal(t, Appended, r.Ingest(stale))

	unknown := confirmed("2", "me", "hi")
	unknown.Timestamp = time.Time{}
	assert.Equal(t, Replaced, r.Ingest(unknown), "unknown times do not block matching")
}

func TestIngestWithoutPendingNeverReplaces(t *testing.T) {
	r := newTestReconciler()
	r.Ingest(confirmed("1", "me", "hi"))
	assert.Equal(t, Appended, r.Ingest(confirmed("2", "me", "hi")))
	assert.Equal(t, 2, r.Len())
}

func TestAddPending(t *testing.T) {
	r := newTestReconciler()
	p := r.AddPending(Message{ID: "ignored", Content: "x"})

	assert.Empty(t, p.ID)
	assert.NotEmpty(t, p.ClientID)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, t0, p.SentAt)
	assert.Equal(t, t0, p.Timestamp)
	assert.NotEqual(t, p.ClientID, r.AddPending(Message{Content: "y"}).ClientID)
}

func TestMarkFailed(t *testing.T) {
	r := newTestReconciler()
	p := r.AddPending(Message{Content: "x"})

	failed, ok := r.MarkFailed(p.ClientID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, failed.Status)

	_, ok = r.MarkFailed(p.ClientID)
	assert.False(t, ok, "already failed")

	assert.Equal(t, Appended, r.Ingest(confirmed("1", "", "x")), "failed entries are not replaced")
}

func TestExpirePending(t *testing.T) {
	r := newTestReconciler()
	old := r.AddPending(Message{Content: "old"})
	r.now = func() time.Time { return t0.Add(20 * time.Second) }
	r.AddPending(Message{Content: "new"})

	expired := r.ExpirePending(t0.Add(30*time.Second), 30*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ClientID, expired[0].ClientID)
	assert.Equal(t, StatusFailed, r.Messages()[0].Status)
	assert.True(t, r.Messages()[1].Pending())

	assert.Empty(t, r.ExpirePending(t0.Add(30*time.Second), 30*time.Second))
}

func TestRemove(t *testing.T) {
	r := newTestReconciler()
	r.Ingest(confirmed("1", "a", "one"))
	r.Ingest(confirmed("2", "a", "two"))
	r.Ingest(confirmed("3", "a", "three"))

	assert.True(t, r.Remove("2"))
	assert.False(t, r.Remove("2"))

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageID("3"), msgs[1].ID)

	got, ok := r.Get("3")
	require.True(t, ok)
	assert.Equal(t, "three", got.Content)
	assert.Equal(t, Duplicate, r.Ingest(confirmed("3", "a", "three")))
}

func TestLoadSkipsKnownIDs(t *testing.T) {
	r := newTestReconciler()
	r.Ingest(confirmed("2", "a", "two"))

	n := r.Load([]Message{confirmed("1", "a", "one"), confirmed("2", "a", "two"), confirmed("3", "a", "three")})
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, Duplicate, r.Ingest(confirmed("1", "a", "one")))
}

func TestIncrementRepliesOncePerReply(t *testing.T) {
	r := newTestReconciler()
	r.Ingest(confirmed("1", "a", "parent"))

	parent, ok := r.IncrementReplies("1", "r1")
	require.True(t, ok)
	assert.Equal(t, 1, parent.ReplyCount)

	_, ok = r.IncrementReplies("1", "r1")
	assert.False(t, ok)

	parent, ok = r.IncrementReplies("1", "r2")
	require.True(t, ok)
	assert.Equal(t, 2, parent.ReplyCount)

	_, ok = r.IncrementReplies("missing", "r3")
	assert.False(t, ok)

	got, _ := r.Get("1")
	assert.Equal(t, 2, got.ReplyCount)
}

func TestSetThreadID(t *testing.T) {
	r := newTestReconciler()
	r.Ingest(confirmed("1", "a", "parent"))
	r.SetThreadID("1", "t7")
	r.SetThreadID("1", "")

	got, _ := r.Get("1")
	assert.Equal(t, "t7", got.ThreadID)
}

func TestMessagesReturnsCopy(t *testing.T) {
	r := newTestReconciler()
	r.Ingest(confirmed("1", "a", "one"))
	msgs := r.Messages()
	msgs[0].Content = "mutated"

	got, _ := r.Get("1")
	assert.Equal(t, "one", got.Content)
}

func TestIngestResultString(t *testing.T) {
	assert.Equal(t, "duplicate", Duplicate.String())
	assert.Equal(t, "replaced", Replaced.String())
	assert.Equal(t, "appended", Appended.String())
	assert.Equal(t, "unknown", IngestResult(42).String())
}
