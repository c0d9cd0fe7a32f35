package jobqueue

import "sync"

// Signal wakes idle workers when new work may be claimable.
type Signal interface {
	Notify()
	// C returns a channel that closes on the next Notify.
	C() <-chan struct{}
}

// LocalSignal broadcasts wake-ups within one process.
type LocalSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewLocalSignal returns a ready signal.
func NewLocalSignal() *LocalSignal {
	return &LocalSignal{ch: make(chan struct{})}
}

func (s *LocalSignal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

func (s *LocalSignal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
