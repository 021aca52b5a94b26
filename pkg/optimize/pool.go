package optimize

import (
	"bytes"
	"sync"
)

// BufferPool is a pool of frame buffers to reduce allocations on the
// realtime write path.
type BufferPool struct {
	pool   sync.Pool
	maxCap int
}

// NewBufferPool creates a pool whose buffers start at size bytes. Buffers
// that grew past maxCap are dropped instead of being retained.
func NewBufferPool(size, maxCap int) *BufferPool {
	if maxCap < size {
		maxCap = size
	}
	return &BufferPool{
		maxCap: maxCap,
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, size))
			},
		},
	}
}

// Get gets an empty buffer from the pool
func (p *BufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > p.maxCap {
		return
	}
	p.pool.Put(buf)
}
