package buffer

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/therealutkarshpriyadarshi/livegate/internal/metrics"
)

var (
	// ErrDisposed is returned when renting from a buffer whose owner has
	// already disposed it.
	ErrDisposed = errors.New("shared buffer already disposed")

	// ErrTooLarge is returned when an upload exceeds the pool's byte ceiling.
	ErrTooLarge = errors.New("payload exceeds maximum file size")
)

// Pool hands out SharedBuffers backed by fixed-size slabs. Slabs are sized
// to the upload ceiling so every allocation is satisfied from the same size
// class and returned storage is always reusable.
type Pool struct {
	maxSize int
	slabs   sync.Pool
}

// NewPool creates a pool whose buffers can hold at most maxSize bytes.
func NewPool(maxSize int64) *Pool {
	p := &Pool{maxSize: int(maxSize)}
	p.slabs.New = func() interface{} {
		return make([]byte, p.maxSize)
	}
	return p
}

// MaxSize returns the pool's byte ceiling.
func (p *Pool) MaxSize() int64 {
	return int64(p.maxSize)
}

// Create copies data into a pooled slab and returns the owning SharedBuffer.
func (p *Pool) Create(data []byte) (*SharedBuffer, error) {
	if len(data) > p.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), p.maxSize)
	}

	slab := p.slabs.Get().([]byte)
	n := copy(slab, data)
	return p.newBuffer(slab, n), nil
}

// ReadFrom reads r to EOF into a pooled slab, enforcing the byte ceiling
// while reading so an oversized body is rejected without growing memory.
func (p *Pool) ReadFrom(r io.Reader) (*SharedBuffer, error) {
	slab := p.slabs.Get().([]byte)

	n, err := io.ReadFull(r, slab)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return p.newBuffer(slab, n), nil
	case err != nil:
		p.slabs.Put(slab)
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	// The slab filled exactly; anything further is over the ceiling.
	var probe [1]byte
	if m, _ := r.Read(probe[:]); m > 0 {
		p.slabs.Put(slab)
		return nil, fmt.Errorf("%w: > %d", ErrTooLarge, p.maxSize)
	}

	return p.newBuffer(slab, n), nil
}

func (p *Pool) newBuffer(slab []byte, n int) *SharedBuffer {
	metrics.RentedBuffers.Inc()
	metrics.RentedBytes.Add(float64(n))
	return &SharedBuffer{pool: p, slab: slab, length: n}
}

// SharedBuffer is an owned byte block shared between the playlist window and
// any number of concurrent HTTP readers. The storage goes back to the pool
// exactly once: after the owner has called Dispose AND every outstanding
// lease has been released, whichever happens second.
type SharedBuffer struct {
	pool *Pool

	mu        sync.Mutex
	slab      []byte // nil once reclaimed
	length    int
	refCount  int
	disposed  bool
	onReclaim func(*SharedBuffer)
}

// Len returns the number of payload bytes held by the buffer.
func (b *SharedBuffer) Len() int {
	return b.length
}

// Rent acquires a read lease on the buffer. It fails once the owner has
// disposed the buffer, so a reader can never observe reclaimed storage.
func (b *SharedBuffer) Rent() (*Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return nil, ErrDisposed
	}

	b.refCount++
	return &Lease{buf: b}, nil
}

// Dispose releases the owner's claim. The storage is reclaimed now if no
// leases are outstanding, or when the last lease is released. Dispose is
// idempotent.
func (b *SharedBuffer) Dispose() {
	b.mu.Lock()
	b.disposed = true
	b.mu.Unlock()

	b.reclaimIfIdle()
}

// IsReclaimed reports whether the storage has been returned to the pool.
func (b *SharedBuffer) IsReclaimed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slab == nil
}

func (b *SharedBuffer) leaseReleased() {
	b.mu.Lock()
	b.refCount--
	b.mu.Unlock()

	b.reclaimIfIdle()
}

func (b *SharedBuffer) reclaimIfIdle() {
	var slab []byte
	b.mu.Lock()
	if b.disposed && b.refCount == 0 && b.slab != nil {
		slab = b.slab
		b.slab = nil
	}
	cb := b.onReclaim
	b.mu.Unlock()

	if slab == nil {
		return
	}

	b.pool.slabs.Put(slab)
	metrics.RentedBuffers.Dec()
	metrics.RentedBytes.Sub(float64(b.length))
	if cb != nil {
		cb(b)
	}
}

// Lease is a read-only view of a SharedBuffer held open for the duration of
// one response write. Bytes must not be used after Release.
type Lease struct {
	mu  sync.Mutex
	buf *SharedBuffer
}

// Bytes returns the leased payload. Using a lease after Release is a
// programming error and panics rather than returning reclaimed storage.
func (l *Lease) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.buf == nil {
		panic("buffer: lease used after release")
	}

	return l.buf.slab[:l.buf.length]
}

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	buf := l.buf
	l.buf = nil
	l.mu.Unlock()

	if buf != nil {
		buf.leaseReleased()
	}
}
