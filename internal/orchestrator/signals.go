package orchestrator

import (
	"context"
	"fmt"
)

// SignalKind names a control request sent to the coordinator.
type SignalKind string

const (
	// SignalForceTimeout asks the coordinator to abort a stuck attempt and
	// fail it with a timeout, retrying while budget remains.
	SignalForceTimeout SignalKind = "force_timeout"
)

// Signal is a control request from a background loop to the coordinator.
type Signal struct {
	Kind   SignalKind
	TaskID string
	Epoch  int // Attempt the request applies to
	Reason string

	responseCh chan error
}

// SignalHandler applies a signal. It runs on the signal loop, one signal at
// a time.
type SignalHandler func(ctx context.Context, sig Signal) error

// Signals carries control requests to a single handler goroutine so that
// loops like the adviser never mutate task state themselves.
type Signals struct {
	ch     chan Signal
	handle SignalHandler
}

// NewSignals creates a signal channel with the given buffer size and handler.
func NewSignals(bufferSize int, handle SignalHandler) *Signals {
	return &Signals{
		ch:     make(chan Signal, bufferSize),
		handle: handle,
	}
}

// Run handles signals until ctx is cancelled. It may be restarted.
func (s *Signals) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-s.ch:
			err := s.handle(ctx, sig)

			// Check if context was cancelled while handling
			select {
			case <-ctx.Done():
				sig.responseCh <- ctx.Err()
				return nil
			default:
				sig.responseCh <- err
			}
		}
	}
}

// Send delivers sig and waits for the handler's result. It respects context
// cancellation at both the send and receive stages.
func (s *Signals) Send(ctx context.Context, sig Signal) error {
	// Buffered so the handler never blocks on an abandoned sender.
	sig.responseCh = make(chan error, 1)

	select {
	case s.ch <- sig:
	case <-ctx.Done():
		return fmt.Errorf("failed to send %s signal: %w", sig.Kind, ctx.Err())
	}

	select {
	case err := <-sig.responseCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
