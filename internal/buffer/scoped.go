package buffer

import (
	"io"
	"sync"

	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
)

// ScopedPool tracks every live SharedBuffer created for one broadcast so
// that tearing the broadcast down can dispose stragglers instead of leaking
// them back into the pool. Failing to dispose a buffer is a logic error;
// Close makes it loud.
type ScopedPool struct {
	pool *Pool
	log  *logging.Logger

	mu     sync.Mutex
	live   map[*SharedBuffer]struct{}
	closed bool
}

// NewScopedPool creates a scope over the given pool.
func NewScopedPool(pool *Pool, log *logging.Logger) *ScopedPool {
	return &ScopedPool{
		pool: pool,
		log:  log,
		live: make(map[*SharedBuffer]struct{}),
	}
}

// ReadFrom reads an upload body into a pooled SharedBuffer owned by this
// scope, enforcing the pool's byte ceiling.
func (s *ScopedPool) ReadFrom(r io.Reader) (*SharedBuffer, error) {
	buf, err := s.pool.ReadFrom(r)
	if err != nil {
		return nil, err
	}

	return s.track(buf)
}

// Create copies data into a pooled SharedBuffer owned by this scope.
func (s *ScopedPool) Create(data []byte) (*SharedBuffer, error) {
	buf, err := s.pool.Create(data)
	if err != nil {
		return nil, err
	}

	return s.track(buf)
}

func (s *ScopedPool) track(buf *SharedBuffer) (*SharedBuffer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		buf.Dispose()
		return nil, ErrDisposed
	}

	s.live[buf] = struct{}{}
	s.mu.Unlock()

	buf.mu.Lock()
	buf.onReclaim = s.forget
	buf.mu.Unlock()

	return buf, nil
}

func (s *ScopedPool) forget(buf *SharedBuffer) {
	s.mu.Lock()
	delete(s.live, buf)
	s.mu.Unlock()
}

// LiveCount returns the number of buffers in this scope that have not been
// reclaimed yet.
func (s *ScopedPool) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close disposes every buffer still owned by the scope. Any buffer left at
// this point was never released by its consumer, which is worth shouting
// about.
func (s *ScopedPool) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	live := make([]*SharedBuffer, 0, len(s.live))
	for buf := range s.live {
		live = append(live, buf)
	}
	s.mu.Unlock()

	// Buffers that are disposed but still leased are draining to in-flight
	// readers; anything undisposed at this point is a leak.
	leaked := 0
	for _, buf := range live {
		buf.mu.Lock()
		disposed := buf.disposed
		buf.mu.Unlock()
		if !disposed {
			leaked++
		}
		buf.Dispose()
	}

	if leaked > 0 {
		s.log.Warnf("disposed %d shared buffers still live at broadcast teardown", leaked)
	}
}
