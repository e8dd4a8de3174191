package relay

import (
	"errors"
	"testing"
	"time"
)

func TestStreams_AssemblesOrderedChunks(t *testing.T) {
	s := NewStreams(1024, time.Minute)

	for i, text := range []string{"hello ", "agent ", "world"} {
		ok, err := s.AddChunk("room", "agent", int64(i), text)
		if err != nil || !ok {
			t.Fatalf("AddChunk %d = (%v, %v)", i, ok, err)
		}
	}
	text, ok := s.Done("room", "agent")
	if !ok {
		t.Fatal("Done found no stream")
	}
	if text != "hello agent world" {
		t.Errorf("assembled = %q", text)
	}
	// Done is single-shot.
	if _, ok := s.Done("room", "agent"); ok {
		t.Error("second Done found a stream")
	}
}

func TestStreams_DropsReplayedSeq(t *testing.T) {
	s := NewStreams(1024, time.Minute)

	s.AddChunk("room", "agent", 0, "a")
	s.AddChunk("room", "agent", 1, "b")
	if ok, _ := s.AddChunk("room", "agent", 1, "b"); ok {
		t.Error("replayed seq accepted")
	}
	if ok, _ := s.AddChunk("room", "agent", 0, "a"); ok {
		t.Error("reordered seq accepted")
	}

	text, _ := s.Done("room", "agent")
	if text != "ab" {
		t.Errorf("assembled = %q, duplicates leaked in", text)
	}
}

func TestStreams_IndependentPerRoomAndAgent(t *testing.T) {
	s := NewStreams(1024, time.Minute)

	s.AddChunk("room-1", "agent", 0, "one")
	s.AddChunk("room-2", "agent", 0, "two")
	s.AddChunk("room-1", "other", 0, "three")

	if text, _ := s.Done("room-1", "agent"); text != "one" {
		t.Errorf("room-1/agent = %q", text)
	}
	if text, _ := s.Done("room-2", "agent"); text != "two" {
		t.Errorf("room-2/agent = %q", text)
	}
	if text, _ := s.Done("room-1", "other"); text != "three" {
		t.Errorf("room-1/other = %q", text)
	}
}

func TestStreams_SizeCapDiscardsBuffer(t *testing.T) {
	s := NewStreams(10, time.Minute)

	s.AddChunk("room", "agent", 0, "12345")
	_, err := s.AddChunk("room", "agent", 1, "678901")
	if !errors.Is(err, ErrStreamTooLong) {
		t.Fatalf("overflow = %v, want ErrStreamTooLong", err)
	}
	if _, ok := s.Done("room", "agent"); ok {
		t.Error("overflowed stream still finalizable")
	}
}

func TestStreams_FailDiscards(t *testing.T) {
	s := NewStreams(1024, time.Minute)

	s.AddChunk("room", "agent", 0, "partial")
	s.Fail("room", "agent")
	if _, ok := s.Done("room", "agent"); ok {
		t.Error("failed stream still finalizable")
	}
}

func TestStreams_SweepStale(t *testing.T) {
	s := NewStreams(1024, 100*time.Millisecond)

	s.AddChunk("room", "stale", 0, "old")
	if n := s.SweepStale(time.Now().Add(time.Second)); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after sweep", s.Len())
	}

	s.AddChunk("room", "fresh", 0, "new")
	if n := s.SweepStale(time.Now()); n != 0 {
		t.Errorf("swept %d fresh streams", n)
	}
}
