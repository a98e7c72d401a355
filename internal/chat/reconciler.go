package chat

import (
	"sort"
	"sync"
)

// entry pairs a message with its arrival index. The index breaks SentAt
// ties so the rendered order is deterministic.
type entry struct {
	msg Message
	seq uint64
}

// Reconciler merges optimistic and server-confirmed messages for one
// consultation. Dedup and confirm are applied in receipt order; the
// rendered list is additionally sorted by SentAt.
type Reconciler struct {
	mu      sync.Mutex
	entries []entry
	seen    map[string]bool // confirmed server ids already present
	nextSeq uint64
}

// NewReconciler creates an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{seen: make(map[string]bool)}
}

// AppendOptimistic inserts a temporary message immediately, before any
// network round-trip. The message must carry a TempID.
func (r *Reconciler) AppendOptimistic(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg.ID = ""
	msg.Status = StatusTemporary
	r.append(msg)
}

// Confirm replaces the temporary entry matching tempID with the confirmed
// server message. When no temporary entry matches (the message arrived via
// a different path, or this is a replay), it falls back to Ingest semantics.
func (r *Reconciler) Confirm(tempID string, server Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server.TempID = ""
	server.Status = StatusConfirmed

	for i := range r.entries {
		e := &r.entries[i]
		if e.msg.Status == StatusTemporary && e.msg.TempID == tempID {
			if r.seen[server.ID] {
				// The confirmed message already arrived via bulk history;
				// the temporary entry is redundant.
				r.entries = append(r.entries[:i], r.entries[i+1:]...)
				return
			}
			// Keep the original arrival index so the entry does not jump
			// relative to same-timestamp neighbors.
			e.msg = server
			r.seen[server.ID] = true
			return
		}
	}

	r.ingestLocked(server)
}

// Ingest inserts a confirmed server message unless its id is already
// present.
func (r *Reconciler) Ingest(server Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server.TempID = ""
	server.Status = StatusConfirmed
	r.ingestLocked(server)
}

func (r *Reconciler) ingestLocked(server Message) {
	if server.ID == "" || r.seen[server.ID] {
		return
	}
	r.seen[server.ID] = true
	r.append(server)
}

// IngestBulk replaces the entire confirmed set with the given server
// history, preserving still-pending temporary entries that have no
// confirmed counterpart in the payload. Used on (re)connect.
func (r *Reconciler) IngestBulk(servers []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	confirmedTemp := make(map[string]bool)
	for _, s := range servers {
		if s.TempID != "" {
			confirmedTemp[s.TempID] = true
		}
	}

	var pending []entry
	for _, e := range r.entries {
		if e.msg.Status == StatusTemporary && !confirmedTemp[e.msg.TempID] {
			pending = append(pending, e)
		}
	}

	r.entries = pending
	r.seen = make(map[string]bool)
	for _, s := range servers {
		s.TempID = ""
		s.Status = StatusConfirmed
		r.ingestLocked(s)
	}
}

// Discard drops the temporary entry matching tempID, for failed sends.
func (r *Reconciler) Discard(tempID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].msg.Status == StatusTemporary && r.entries[i].msg.TempID == tempID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// MarkRead flips IsRead on the confirmed message with the given id. The
// list order is untouched.
func (r *Reconciler) MarkRead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].msg.ID == id {
			r.entries[i].msg.IsRead = true
			return
		}
	}
}

// Messages returns a snapshot sorted ascending by SentAt, ties broken by
// arrival index.
func (r *Reconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make([]entry, len(r.entries))
	copy(snapshot, r.entries)

	sort.SliceStable(snapshot, func(i, j int) bool {
		if snapshot[i].msg.SentAt.Equal(snapshot[j].msg.SentAt) {
			return snapshot[i].seq < snapshot[j].seq
		}
		return snapshot[i].msg.SentAt.Before(snapshot[j].msg.SentAt)
	})

	out := make([]Message, len(snapshot))
	for i, e := range snapshot {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of entries, temporary included.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Reconciler) append(msg Message) {
	r.entries = append(r.entries, entry{msg: msg, seq: r.nextSeq})
	r.nextSeq++
}
