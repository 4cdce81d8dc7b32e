package bufpool

import "sync"

// PacketSize is the buffer size for RTP reads, sized to the usual MTU.
const PacketSize = 1500

// Pool reuses packet buffers across media read loops to keep the hot
// forwarding path allocation-free.
type Pool struct {
	pool sync.Pool
	size int
}

// New creates a pool of byte slices of the given size.
func New(size int) *Pool {
	return &Pool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

// Get returns a buffer of the pool's size.
func (p *Pool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a buffer to the pool. Undersized buffers are discarded.
func (p *Pool) Put(b []byte) {
	if cap(b) >= p.size {
		p.pool.Put(b[:p.size])
	}
}

// Packets is the shared pool for RTP-sized buffers.
var Packets = New(PacketSize)
