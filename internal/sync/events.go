package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"
)

// Phase is the pipeline stage an event belongs to.
type Phase string

const (
	PhaseProbing    Phase = "probing"
	PhaseFetching   Phase = "fetching"
	PhaseParsing    Phase = "parsing"
	PhasePersisting Phase = "persisting"
)

// Status is the state of a phase for one target.
type Status string

const (
	StatusStarted   Status = "started"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Event is one progress notification. Target is the distribution name, or
// empty for repository-wide phases.
type Event struct {
	RunID  string    `json:"run_id"`
	Phase  Phase     `json:"phase"`
	Target string    `json:"target,omitempty"`
	Status Status    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Sink receives progress events. Emit must not block the caller for long;
// the coordinator calls it from its worker goroutines.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// ChannelSink buffers events on a channel and drops them when the buffer is
// full.
type ChannelSink struct {
	mu      gosync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// NewChannelSink returns a sink with room for size events.
func NewChannelSink(size int) *ChannelSink {
	if size < 0 {
		size = 0
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

func (s *ChannelSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events is the receive side. It is closed by Close.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events did not fit.
func (s *ChannelSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes the channel. Later events are counted as dropped.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// LogSink writes every event to a logger. Failures log at warn level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	switch e.Status {
	case StatusFailed:
		level = slog.LevelWarn
	case StatusSucceeded:
		level = slog.LevelInfo
	}
	logger.Log(context.Background(), level, "sync progress",
		"run_id", e.RunID,
		"phase", string(e.Phase),
		"target", e.Target,
		"status", string(e.Status),
		"detail", e.Detail,
	)
}

// MultiSink fans an event out to every non-nil sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}
