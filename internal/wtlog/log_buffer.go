package wtlog

import (
	"sync"

	"watchtree/internal/wtbuffer"
)

// Buffer keeps a bounded, thread-safe history of recent log entries.
type Buffer struct {
	mu      sync.Mutex
	entries *wtbuffer.Ring[Entry]
}

// NewBuffer creates a Buffer retaining at most size entries.
func NewBuffer(size int) *Buffer {
	return &Buffer{
		entries: wtbuffer.NewRing[Entry](size),
	}
}

func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.entries == nil {
		return
	}
	b.entries.Add(entry)
}

func (b *Buffer) List() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.entries.List()
}
