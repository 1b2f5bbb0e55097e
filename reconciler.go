package converge

import (
	"time"

	"github.com/google/uuid"
)

// IngestResult reports what Ingest did with a message.
type IngestResult int

const (
	// Duplicate means a message with the same server id was already present.
	Duplicate IngestResult = iota
	// Replaced means a pending entry was swapped for the authoritative copy.
	Replaced
	// Appended means the message was added to the end of the list.
	Appended
)

func (r IngestResult) String() string {
	switch r {
	case Duplicate:
		return "duplicate"
	case Replaced:
		return "replaced"
	case Appended:
		return "appended"
	}
	return "unknown"
}

// DefaultMatchWindow bounds how far apart a pending entry and its echo may
// be in time when both timestamps are known.
const DefaultMatchWindow = 5 * time.Minute

// Reconciler keeps an ordered message list consistent with the server
// stream. It is not safe for concurrent use; Session serializes access.
type Reconciler struct {
	messages []Message
	byID     map[MessageID]int
	replies  map[MessageID]map[MessageID]struct{}

	// MatchWindow limits optimistic replacement to echoes whose timestamp
	// is within the window of the pending entry. Zero disables the check.
	MatchWindow time.Duration

	now func() time.Time
}

// NewReconciler returns an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{
		byID:        make(map[MessageID]int),
		replies:     make(map[MessageID]map[MessageID]struct{}),
		MatchWindow: DefaultMatchWindow,
		now:         time.Now,
	}
}

// Ingest merges a server-delivered message into the list.
//
// An id already present is a no-op. Otherwise a pending entry with the
// same sender and body is replaced in place. Otherwise the message is
// appended.
func (r *Reconciler) Ingest(m Message) IngestResult {
	if m.ID != "" {
		if _, ok := r.byID[m.ID]; ok {
			return Duplicate
		}
	}
	m.Status = StatusConfirmed

	if i := r.findPending(m); i >= 0 {
		m.ClientID = r.messages[i].ClientID
		m.SentAt = r.messages[i].SentAt
		r.messages[i] = m
		if m.ID != "" {
			r.byID[m.ID] = i
		}
		return Replaced
	}

	r.messages = append(r.messages, m)
	if m.ID != "" {
		r.byID[m.ID] = len(r.messages) - 1
	}
	return Appended
}

// findPending returns the pending entry an echo confirms. Sender and body
// decide the match; among several candidates the one with the same
// attachment name wins, else the oldest.
func (r *Reconciler) findPending(m Message) int {
	first := -1
	for i, p := range r.messages {
		if p.Status != StatusPending {
			continue
		}
		if p.Sender.ID != m.Sender.ID || p.Content != m.Content {
			continue
		}
		if r.MatchWindow > 0 && !m.Timestamp.IsZero() && !p.SentAt.IsZero() {
			d := m.Timestamp.Sub(p.SentAt)
			if d < 0 {
				d = -d
			}
			if d > r.MatchWindow {
				continue
			}
		}
		if p.Attachment != nil && m.Attachment != nil && p.Attachment.Name == m.Attachment.Name {
			return i
		}
		if first < 0 {
			first = i
		}
	}
	return first
}

// AddPending appends an optimistic entry and returns it with its client id.
func (r *Reconciler) AddPending(m Message) Message {
	m.ID = ""
	m.ClientID = uuid.NewString()
	m.Status = StatusPending
	m.SentAt = r.now()
	if m.Timestamp.IsZero() {
		m.Timestamp = m.SentAt.UTC()
	}
	r.messages = append(r.messages, m)
	return m
}

// MarkFailed marks the pending entry with the given client id as not sent.
func (r *Reconciler) MarkFailed(clientID string) (Message, bool) {
	for i := range r.messages {
		if r.messages[i].ClientID == clientID && r.messages[i].Status == StatusPending {
			r.messages[i].Status = StatusFailed
			return r.messages[i], true
		}
	}
	return Message{}, false
}

// ExpirePending marks pending entries older than timeout as failed and
// returns them.
func (r *Reconciler) ExpirePending(now time.Time, timeout time.Duration) []Message {
	var expired []Message
	for i := range r.messages {
		p := &r.messages[i]
		if p.Status == StatusPending && now.Sub(p.SentAt) >= timeout {
			p.Status = StatusFailed
			expired = append(expired, *p)
		}
	}
	return expired
}

// Remove deletes the message with the given server id.
func (r *Reconciler) Remove(id MessageID) bool {
	i, ok := r.byID[id]
	if !ok {
		return false
	}
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
	delete(r.replies, id)
	r.reindex()
	return true
}

// Load seeds the list with history, skipping ids already present.
func (r *Reconciler) Load(history []Message) int {
	added := 0
	for _, m := range history {
		if m.ID != "" {
			if _, ok := r.byID[m.ID]; ok {
				continue
			}
		}
		m.Status = StatusConfirmed
		r.messages = append(r.messages, m)
		if m.ID != "" {
			r.byID[m.ID] = len(r.messages) - 1
		}
		added++
	}
	return added
}

// IncrementReplies bumps the reply count of parentID once per distinct
// reply id. It returns the updated parent.
func (r *Reconciler) IncrementReplies(parentID, replyID MessageID) (Message, bool) {
	i, ok := r.byID[parentID]
	if !ok {
		return Message{}, false
	}
	if replyID != "" {
		seen := r.replies[parentID]
		if seen == nil {
			seen = make(map[MessageID]struct{})
			r.replies[parentID] = seen
		}
		if _, dup := seen[replyID]; dup {
			return r.messages[i], false
		}
		seen[replyID] = struct{}{}
	}
	r.messages[i].ReplyCount++
	return r.messages[i], true
}

// SetThreadID records the thread a parent message belongs to.
func (r *Reconciler) SetThreadID(parentID MessageID, threadID string) {
	if i, ok := r.byID[parentID]; ok && threadID != "" {
		r.messages[i].ThreadID = threadID
	}
}

// Get returns the message with the given server id.
func (r *Reconciler) Get(id MessageID) (Message, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Message{}, false
	}
	return r.messages[i], true
}

// Messages returns a copy of the ordered list.
func (r *Reconciler) Messages() []Message {
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Len returns the number of entries, pending ones included.
func (r *Reconciler) Len() int { return len(r.messages) }

func (r *Reconciler) reindex() {
	r.byID = make(map[MessageID]int, len(r.messages))
	for i, m := range r.messages {
		if m.ID != "" {
			r.byID[m.ID] = i
		}
	}
}
