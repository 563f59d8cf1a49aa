// Package stream fans a provider's token stream out to one subscribed client.
// Provider chunk arrival and client readiness are two independent suspension
// points joined by a bounded buffer; cancellation is a flag observed at both.
package stream

import (
	"context"
	"sync/atomic"

	"github.com/aice-dev/orchestrator/internal/domain"
	"github.com/google/uuid"
)

// State is a stream session's lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one item delivered to the client: either a chunk or a terminal
// error. Partial marks an error that arrived after chunks were already
// delivered, so the client can decide whether to keep the partial output.
type Event struct {
	Chunk   *domain.Chunk
	Err     error
	Partial bool
}

// Session is one client's subscription to a streamed result. Events are
// delivered in strict provider-emission order. Cancel releases the upstream
// call; the events channel is closed once a terminal state is reached.
type Session struct {
	id        string
	provider  atomic.Value // string
	events    chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	state     atomic.Int32
	delivered atomic.Int64
}

func (s *Session) ID() string { return s.id }

// Events is the client-facing channel. It is closed after the terminal event.
func (s *Session) Events() <-chan Event { return s.events }

// Context is cancelled when the session is cancelled or reaches a terminal
// state; the orchestrator derives the upstream provider call from it.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel marks the session cancelled and propagates to the upstream call.
// Safe to call from the client connection's disconnect handler. The context is
// cancelled even when a terminal transition won the race, so a Fail blocked on
// a full buffer is released.
func (s *Session) Cancel() {
	s.state.CompareAndSwap(int32(StateRunning), int32(StateCancelled))
	s.cancel()
}

func (s *Session) State() State { return State(s.state.Load()) }

// Delivered reports how many chunks have been forwarded to the client.
func (s *Session) Delivered() int64 { return s.delivered.Load() }

// Provider reports which provider served the stream, once known.
func (s *Session) Provider() string {
	if v := s.provider.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Multiplexer creates sessions and pumps provider chunks into them.
type Multiplexer struct {
	buffer int
}

// NewMultiplexer configures session creation. buffer bounds how far the
// provider may run ahead of a slow client before backpressure applies.
func NewMultiplexer(buffer int) *Multiplexer {
	if buffer <= 0 {
		buffer = 16
	}
	return &Multiplexer{buffer: buffer}
}

// NewSession creates a Running session whose context is detached from the
// inbound request context: the session outlives the dispatch call and is torn
// down by Cancel or a terminal event.
func (m *Multiplexer) NewSession(parent context.Context) *Session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Session{
		id:     uuid.New().String(),
		events: make(chan Event, m.buffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Pump forwards chunks to the session until the provider stream ends, errors,
// or the session is cancelled. It returns the number of chunks forwarded and
// the provider error, if any. Pump does not terminate the session: the caller
// decides between fallback (nothing forwarded yet) and surfacing a partial
// failure.
func (m *Multiplexer) Pump(s *Session, provider string, chunks <-chan domain.Chunk, errs <-chan error) (int, error) {
	s.provider.Store(provider)

	forwarded := 0
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// Adapters buffer the error before closing the chunk channel,
				// so a pending error is visible here.
				select {
				case err, ok := <-errs:
					if ok && err != nil {
						return forwarded, err
					}
				default:
				}
				return forwarded, nil
			}
			select {
			case s.events <- Event{Chunk: &chunk}:
				forwarded++
				s.delivered.Add(1)
			case <-s.ctx.Done():
				return forwarded, domain.ErrStreamCancelled
			}

		case err, ok := <-errs:
			if !ok {
				// Closed without an error; wait for the chunk channel to end.
				errs = nil
				continue
			}
			if err != nil {
				return forwarded, err
			}

		case <-s.ctx.Done():
			return forwarded, domain.ErrStreamCancelled
		}
	}
}

// Complete marks the session successfully finished and closes the channel.
func (m *Multiplexer) Complete(s *Session) {
	if s.state.CompareAndSwap(int32(StateRunning), int32(StateCompleted)) {
		close(s.events)
		s.cancel()
	}
}

// Fail delivers the terminal error event. partial marks that chunks were
// already forwarded, so the client sees partial output plus the error rather
// than a silent truncation. The send waits out backpressure: a slow client
// drains its buffered chunks and still receives the terminal event. Only a
// cancelled context, meaning the client is gone, abandons delivery.
func (m *Multiplexer) Fail(s *Session, err error, partial bool) {
	if s.state.CompareAndSwap(int32(StateRunning), int32(StateFailed)) {
		select {
		case s.events <- Event{Err: err, Partial: partial}:
		case <-s.ctx.Done():
		}
		close(s.events)
		s.cancel()
	}
}

// Finish closes the channel for a session the client already cancelled.
func (m *Multiplexer) Finish(s *Session) {
	if s.State() == StateCancelled {
		close(s.events)
	}
}
