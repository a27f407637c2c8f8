package livetutor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicelink-app/voicelink/internal/types"
)

// TranscriptManager accumulates the conversation transcript. Entries grow
// in place while the backend streams deltas; an entry is finalized when its
// turn completes or a new entry of the same role begins.
type TranscriptManager struct {
	mu sync.Mutex

	entries []*types.TranscriptEntry
	open    map[types.Role]*types.TranscriptEntry

	idCounter atomic.Uint64

	// onFinal, if set, observes every finalized entry (e.g. for history
	// persistence). Called without the manager lock held.
	onFinal func(types.TranscriptEntry)
}

// NewTranscriptManager creates an empty transcript.
func NewTranscriptManager() *TranscriptManager {
	return &TranscriptManager{open: make(map[types.Role]*types.TranscriptEntry)}
}

// OnFinal registers a callback for finalized entries.
func (tm *TranscriptManager) OnFinal(fn func(types.TranscriptEntry)) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.onFinal = fn
}

// AppendDelta appends streamed text to the open entry for role, creating a
// new entry (and finalizing the previous one of that role) if needed.
func (tm *TranscriptManager) AppendDelta(role types.Role, delta string) {
	tm.mu.Lock()
	entry := tm.openEntryLocked(role)
	entry.Text += delta
	tm.mu.Unlock()
}

// Complete sets the final text for the open entry of role and finalizes
// it. An empty text keeps whatever the deltas accumulated.
func (tm *TranscriptManager) Complete(role types.Role, text string) {
	tm.mu.Lock()
	entry, ok := tm.open[role]
	if !ok {
		if text == "" {
			tm.mu.Unlock()
			return
		}
		entry = tm.openEntryLocked(role)
	}
	if text != "" {
		entry.Text = text
	}
	entry.Final = true
	delete(tm.open, role)
	final := *entry
	cb := tm.onFinal
	tm.mu.Unlock()

	if cb != nil {
		cb(final)
	}
}

// Fail marks the open entry for role as failed with a reason, so the UI
// can reflect a backend-reported failure for that turn.
func (tm *TranscriptManager) Fail(role types.Role, reason string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	entry, ok := tm.open[role]
	if !ok {
		return
	}
	if entry.Text == "" {
		entry.Text = fmt.Sprintf("(%s)", reason)
	}
	entry.Final = true
	delete(tm.open, role)
}

// AddFinal appends an already-complete entry, e.g. the optimistic echo of
// injected text or an uploaded image. Returns the entry id.
func (tm *TranscriptManager) AddFinal(role types.Role, text string) string {
	tm.mu.Lock()
	id := tm.nextID()
	entry := &types.TranscriptEntry{
		ID:        id,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now(),
		Final:     true,
	}
	tm.entries = append(tm.entries, entry)
	final := *entry
	cb := tm.onFinal
	tm.mu.Unlock()

	if cb != nil {
		cb(final)
	}
	return id
}

// Partial returns the text of the open (streaming) entry for role, or "".
func (tm *TranscriptManager) Partial(role types.Role) string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if entry, ok := tm.open[role]; ok {
		return entry.Text
	}
	return ""
}

// Entries returns a snapshot copy of all transcript entries in order.
func (tm *TranscriptManager) Entries() []types.TranscriptEntry {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	out := make([]types.TranscriptEntry, len(tm.entries))
	for i, e := range tm.entries {
		out[i] = *e
	}
	return out
}

// Count returns the number of entries.
func (tm *TranscriptManager) Count() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.entries)
}

// Reset clears the transcript for a brand-new conversation. Transient
// reconnects must not call this.
func (tm *TranscriptManager) Reset() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.entries = nil
	tm.open = make(map[types.Role]*types.TranscriptEntry)
}

func (tm *TranscriptManager) openEntryLocked(role types.Role) *types.TranscriptEntry {
	if entry, ok := tm.open[role]; ok {
		return entry
	}
	entry := &types.TranscriptEntry{
		ID:        tm.nextID(),
		Role:      role,
		CreatedAt: time.Now(),
	}
	tm.entries = append(tm.entries, entry)
	tm.open[role] = entry
	return entry
}

func (tm *TranscriptManager) nextID() string {
	return fmt.Sprintf("turn-%d", tm.idCounter.Add(1))
}
