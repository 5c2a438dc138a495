package engine

import "sync"

// Output is a snapshot of a request's generation progress.
// Text and TokenIDs are cumulative, so a consumer that misses an
// intermediate Output loses nothing.
type Output struct {
	RequestID    string
	Prompt       string
	Text         string
	TokenIDs     []int
	State        RequestState
	Finished     bool
	FinishReason string
}

// Stream delivers Outputs for one request from the step loop to a caller.
//
// The step loop is the only writer and never blocks on it: Updates has
// capacity one and a newer Output replaces an unread older one. The final
// Output is also kept for Result after Done is closed.
type Stream struct {
	id      string
	updates chan Output
	done    chan struct{}

	mu    sync.Mutex
	final Output
	err   error
}

func newStream(id string) *Stream {
	return &Stream{
		id:      id,
		updates: make(chan Output, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the request ID this stream belongs to.
func (s *Stream) ID() string {
	return s.id
}

// Updates returns the channel of progress snapshots. It is closed after the
// final Output has been published.
func (s *Stream) Updates() <-chan Output {
	return s.updates
}

// Done is closed once the request reached a terminal state.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Result returns the final Output and the abort cause, if any.
// Only meaningful after Done is closed.
func (s *Stream) Result() (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, s.err
}

// publish replaces any unread snapshot with out. Single writer only.
func (s *Stream) publish(out Output) {
	select {
	case s.updates <- out:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	s.updates <- out
}

// finish publishes the terminal Output and closes the stream.
func (s *Stream) finish(out Output, err error) {
	s.mu.Lock()
	s.final = out
	s.err = err
	s.mu.Unlock()
	s.publish(out)
	close(s.updates)
	close(s.done)
}
