package postprocess

import (
	"github.com/xtxerr/hsport/internal/timestamp"
)

// memorySink keeps the newest frames in a fixed ring sized by the byte
// budget. The oldest frame is overwritten when the ring is full.
type memorySink struct {
	stride   int
	data     []byte
	head     int64 // next write slot
	count    int64
	capacity int64
	dropped  int64
}

func newMemorySink(geo geometry, bufferSize int64) (*memorySink, error) {
	capacity := bufferSize / int64(geo.stride)
	if capacity < 1 {
		capacity = 1
	}
	return &memorySink{
		stride:   geo.stride,
		data:     make([]byte, capacity*int64(geo.stride)),
		capacity: capacity,
	}, nil
}

func (m *memorySink) append(block []byte, _, _ timestamp.DCTime) error {
	for off := 0; off < len(block); off += m.stride {
		slot := m.head % m.capacity
		copy(m.data[slot*int64(m.stride):], block[off:off+m.stride])
		m.head++
		if m.count < m.capacity {
			m.count++
		} else {
			m.dropped++
		}
	}
	return nil
}

// snapshot returns copies of the held frames, oldest first.
func (m *memorySink) snapshot() [][]byte {
	out := make([][]byte, 0, m.count)
	for i := m.head - m.count; i < m.head; i++ {
		slot := i % m.capacity
		f := make([]byte, m.stride)
		copy(f, m.data[slot*int64(m.stride):])
		out = append(out, f)
	}
	return out
}

func (m *memorySink) recovered() (timestamp.DCTime, bool) { return 0, false }
func (m *memorySink) flush() error                         { return nil }
func (m *memorySink) segments() int                        { return 0 }

func (m *memorySink) close() error {
	m.data = nil
	m.count = 0
	return nil
}
