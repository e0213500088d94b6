package reactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  []uint64
	ticks   int
}

func (h *recordingHandler) HandleFrame(connID uint64, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)
}

func (h *recordingHandler) HandleClosed(connID uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, connID)
}

func (h *recordingHandler) HandleTick(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticks++
}

func TestReactorDispatchesFramesAndClose(t *testing.T) {
	r := New(8, 24*time.Hour)
	h := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Run(ctx, h)

	r.Events() <- Event{Kind: EventFrame, ConnID: 1, Frame: []byte("hello")}
	r.Events() <- Event{Kind: EventClosed, ConnID: 1, Err: errors.New("eof")}

	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		done := len(h.frames) == 1 && len(h.closed) == 1
		h.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for dispatch: frames=%v closed=%v", h.frames, h.closed)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestReactorTicks(t *testing.T) {
	r := New(1, 10*time.Millisecond)
	h := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Run(ctx, h)

	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		got := h.ticks
		h.mu.Unlock()
		if got >= 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for ticks, got %d", got)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestReadLoopPushesFramesThenCloses(t *testing.T) {
	frames := [][]byte{[]byte("a"), []byte("b")}
	i := 0
	next := func() ([]byte, error) {
		if i >= len(frames) {
			return nil, errors.New("eof")
		}
		f := frames[i]
		i++
		return f, nil
	}

	events := make(chan Event, 8)
	ctx := context.Background()
	ReadLoop(ctx, 7, next, events)
	close(events)

	var got [][]byte
	var closedID uint64
	var sawClose bool
	for ev := range events {
		switch ev.Kind {
		case EventFrame:
			got = append(got, ev.Frame)
		case EventClosed:
			closedID = ev.ConnID
			sawClose = true
		}
	}
	if len(got) != 2 || string(got[0]) != "a" || string(got[1]) != "b" {
		t.Fatalf("unexpected frames: %v", got)
	}
	if !sawClose || closedID != 7 {
		t.Fatalf("expected close event for conn 7, sawClose=%v closedID=%d", sawClose, closedID)
	}
}
