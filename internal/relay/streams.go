package relay

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrStreamTooLong means a streamed reply exceeded the assembly ceiling.
// The buffer is discarded; the gateway is expected to abort the run.
var ErrStreamTooLong = errors.New("relay: streamed message exceeds size cap")

type streamKey struct {
	roomID  string
	agentID string
}

type streamBuf struct {
	lastSeq int64
	text    strings.Builder
	updated time.Time
}

// Streams assembles in-flight agent replies from ordered chunks, keyed by
// (room, agent). One agent streams at most one reply per room at a time.
type Streams struct {
	mu       sync.Mutex
	bufs     map[streamKey]*streamBuf
	maxChars int
	stale    time.Duration
}

const (
	DefaultStreamMaxChars = 64 * 1024
	DefaultStreamStale    = 2 * time.Minute
)

func NewStreams(maxChars int, stale time.Duration) *Streams {
	if maxChars <= 0 {
		maxChars = DefaultStreamMaxChars
	}
	if stale <= 0 {
		stale = DefaultStreamStale
	}
	return &Streams{
		bufs:     make(map[streamKey]*streamBuf),
		maxChars: maxChars,
		stale:    stale,
	}
}

// AddChunk appends one chunk. Chunks must arrive with increasing seq;
// a replayed or reordered seq is dropped and reported as not accepted.
// Exceeding the size cap discards the whole buffer and returns
// ErrStreamTooLong.
func (s *Streams) AddChunk(roomID, agentID string, seq int64, text string) (bool, error) {
	key := streamKey{roomID, agentID}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.bufs[key]
	if !ok {
		buf = &streamBuf{lastSeq: -1}
		s.bufs[key] = buf
	}
	if seq <= buf.lastSeq {
		return false, nil
	}
	if buf.text.Len()+len(text) > s.maxChars {
		delete(s.bufs, key)
		return false, ErrStreamTooLong
	}
	buf.lastSeq = seq
	buf.text.WriteString(text)
	buf.updated = time.Now()
	return true, nil
}

// Done finalizes a stream, returning the assembled text. ok is false when
// no stream was open (already finalized, failed, or swept).
func (s *Streams) Done(roomID, agentID string) (string, bool) {
	key := streamKey{roomID, agentID}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.bufs[key]
	if !ok {
		return "", false
	}
	delete(s.bufs, key)
	return buf.text.String(), true
}

// Fail discards a stream without producing a message.
func (s *Streams) Fail(roomID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bufs, streamKey{roomID, agentID})
}

// SweepStale drops buffers that have not seen a chunk within the staleness
// deadline and returns how many were dropped. The server calls this on a
// ticker.
func (s *Streams) SweepStale(now time.Time) int {
	cutoff := now.Add(-s.stale)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, buf := range s.bufs {
		if buf.updated.Before(cutoff) {
			delete(s.bufs, key)
			n++
		}
	}
	return n
}

func (s *Streams) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bufs)
}
