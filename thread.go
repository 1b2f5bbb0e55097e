package converge

import (
	"context"
	"fmt"
	"sync"
)

// ThreadState is the state of the thread side panel of one chat.
type ThreadState string

const (
	NoThread      ThreadState = "none"
	ThreadLoading ThreadState = "loading"
	ThreadOpen    ThreadState = "open"
	ThreadError   ThreadState = "error"
)

// ThreadFetcher loads the replies of an existing thread.
type ThreadFetcher interface {
	Thread(ctx context.Context, scope Scope, threadID string) (*ThreadResponse, error)
}

// ThreadView is a snapshot of the open thread.
type ThreadView struct {
	State   ThreadState
	Parent  Message
	Replies []Message
	Err     error
}

// ThreadOverlay holds the transient focused sub-conversation of a chat.
// A reply pushed while the thread is loading is kept and merged with the
// fetched replies.
type ThreadOverlay struct {
	mu      sync.Mutex
	state   ThreadState
	parent  Message
	replies []Message
	seen    map[MessageID]struct{}
	err     error
	gen     uint64
}

// NewThreadOverlay returns an overlay with no thread open.
func NewThreadOverlay() *ThreadOverlay {
	return &ThreadOverlay{state: NoThread}
}

// Open focuses the thread of parent. A parent without a thread id gets an
// empty thread without a network call. A fetch failure leaves the overlay
// in ThreadError, where replies can still be composed.
func (t *ThreadOverlay) Open(ctx context.Context, parent Message, fetch ThreadFetcher) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.parent = parent
	t.replies = nil
	t.seen = make(map[MessageID]struct{})
	t.err = nil
	if parent.ThreadID == "" || fetch == nil {
		t.state = ThreadOpen
		t.mu.Unlock()
		return nil
	}
	t.state = ThreadLoading
	t.mu.Unlock()

	resp, err := fetch.Thread(ctx, parent.Scope, parent.ThreadID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		// closed or reopened while loading
		return nil
	}
	if err != nil {
		t.state = ThreadError
		t.err = fmt.Errorf("load thread %s: %w", parent.ThreadID, err)
		return t.err
	}

	pushed := t.replies
	t.replies = nil
	t.seen = make(map[MessageID]struct{})
	for _, r := range resp.Replies {
		t.appendLocked(r)
	}
	for _, r := range pushed {
		t.appendLocked(r)
	}
	t.state = ThreadOpen
	return nil
}

// Close discards the thread state.
func (t *ThreadOverlay) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.state = NoThread
	t.parent = Message{}
	t.replies = nil
	t.seen = nil
	t.err = nil
}

// ParentID returns the parent id of the focused thread, or "" when none.
func (t *ThreadOverlay) ParentID() MessageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == NoThread {
		return ""
	}
	return t.parent.ID
}

// Accept appends a reply addressed to the focused parent. It reports false
// for replies to other parents and for duplicates.
func (t *ThreadOverlay) Accept(reply Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == NoThread || reply.ParentID == "" || reply.ParentID != t.parent.ID {
		return false
	}
	if !t.appendLocked(reply) {
		return false
	}
	if reply.ThreadID != "" && t.parent.ThreadID == "" {
		t.parent.ThreadID = reply.ThreadID
	}
	return true
}

// SyncParent mirrors the main-list copy of the parent into the overlay.
func (t *ThreadOverlay) SyncParent(parent Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != NoThread && parent.ID == t.parent.ID {
		t.parent = parent
	}
}

// View returns a snapshot of the overlay.
func (t *ThreadOverlay) View() ThreadView {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := ThreadView{State: t.state, Parent: t.parent, Err: t.err}
	if len(t.replies) > 0 {
		v.Replies = make([]Message, len(t.replies))
		copy(v.Replies, t.replies)
	}
	return v
}

func (t *ThreadOverlay) appendLocked(m Message) bool {
	if m.ID != "" {
		if _, ok := t.seen[m.ID]; ok {
			return false
		}
		t.seen[m.ID] = struct{}{}
	}
	t.replies = append(t.replies, m)
	return true
}
