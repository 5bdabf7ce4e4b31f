package supervisor

import "sync"

// ringBuffer keeps the most recent capacity lines, evicting oldest first.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{lines: make([]string, capacity), cap: capacity}
}

func (b *ringBuffer) Append(line string) {
	b.mu.Lock()
	b.lines[b.next] = line
	b.next = (b.next + 1) % b.cap
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
}

// Last returns up to n of the most recent lines, oldest first.
func (b *ringBuffer) Last(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := b.next
	if b.full {
		size = b.cap
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]string, 0, n)
	start := b.next - n
	if start < 0 {
		start += b.cap
	}
	for i := 0; i < n; i++ {
		out = append(out, b.lines[(start+i)%b.cap])
	}
	return out
}
