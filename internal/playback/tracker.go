package playback

import (
	"strconv"
	"sync"
)

// Segment identifies one assistant utterance segment.
type Segment struct {
	ItemID       string
	ContentIndex int
}

// pendingMark records what an outstanding mark token refers to.
type pendingMark struct {
	segment   Segment
	byteCount int
}

// Tracker tracks how much of each utterance segment the caller has actually
// heard. A mark token is minted when audio goes out and consumed when the
// matching acknowledgement comes back from the telephony side; the played
// byte accounting survives the token.
type Tracker struct {
	mu      sync.Mutex
	counter uint64
	pending map[string]pendingMark
	played  map[Segment]int
}

// NewTracker creates an empty tracker for a single call.
func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[string]pendingMark),
		played:  make(map[Segment]int),
	}
}

// OnOutbound allocates the next sequential mark token for an outbound audio
// chunk and returns it for inclusion in the mark message.
func (t *Tracker) OnOutbound(itemID string, contentIndex, byteCount int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counter++
	token := strconv.FormatUint(t.counter, 10)
	t.pending[token] = pendingMark{
		segment:   Segment{ItemID: itemID, ContentIndex: contentIndex},
		byteCount: byteCount,
	}

	return token
}

// OnAck consumes a mark acknowledgement: the token is deleted and its byte
// count is credited to the segment's played total. An unknown token is a
// no-op; the acknowledgement may arrive after the call has moved on.
func (t *Tracker) OnAck(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	mark, ok := t.pending[token]
	if !ok {
		return false
	}

	delete(t.pending, token)
	t.played[mark.segment] += mark.byteCount

	return true
}

// PlayedBytes returns how many bytes of the given segment have been
// acknowledged as played.
func (t *Tracker) PlayedBytes(itemID string, contentIndex int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.played[Segment{ItemID: itemID, ContentIndex: contentIndex}]
}

// PendingCount returns the number of marks awaiting acknowledgement.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}
