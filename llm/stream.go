package llm

import (
	"context"
	"io"
)

// eventStream adapts a producer function to the Stream interface. The
// producer runs in its own goroutine and writes events to a channel; Recv
// reads them in order. Close cancels the producer's context. If the producer
// returns an error, Recv surfaces it after the buffered events drain.
type eventStream struct {
	events chan Event
	cancel context.CancelFunc
	err    error // written before events is closed
}

func newEventStream(ctx context.Context, run func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event, 16),
		cancel: cancel,
	}
	go func() {
		s.err = run(ctx, s.events)
		close(s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if !ok {
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, io.EOF
	}
	return ev, nil
}

func (s *eventStream) Close() error {
	s.cancel()
	// Unblock a producer parked on a full channel.
	go func() {
		for range s.events {
		}
	}()
	return nil
}

// emit delivers an event unless the stream context is cancelled.
func emit(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
