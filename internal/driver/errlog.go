package driver

import (
	"sync"
	"time"
)

// DefaultErrorBufferSize is the number of page errors kept per page.
const DefaultErrorBufferSize = 100

// PageError is one uncaught exception reported by a page.
type PageError struct {
	Time time.Time
	Err  error
}

// errorLog is a fixed-size ring of page errors. When full, the oldest
// entry is overwritten.
type errorLog struct {
	mu    sync.RWMutex
	items []PageError
	head  int // next write position
	count int
}

func newErrorLog(size int) *errorLog {
	if size <= 0 {
		size = DefaultErrorBufferSize
	}
	return &errorLog{items: make([]PageError, size)}
}

func (l *errorLog) push(e PageError) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items[l.head] = e
	l.head = (l.head + 1) % len(l.items)
	if l.count < len(l.items) {
		l.count++
	}
}

// all returns the recorded errors, oldest first.
func (l *errorLog) all() []PageError {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.count == 0 {
		return nil
	}
	out := make([]PageError, l.count)
	start := 0
	if l.count == len(l.items) {
		start = l.head
	}
	for i := range out {
		out[i] = l.items[(start+i)%len(l.items)]
	}
	return out
}

func (l *errorLog) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.items)
	l.head = 0
	l.count = 0
}
