// Package gesture tracks user interaction.
//
// Some render sinks refuse to start audio until the user has interacted with
// the application at least once. The process-wide unlock flag starts locked
// when the program loads and flips to unlocked on the first [Bus.Notify]; it
// never locks again. Components query it with [Unlocked].
//
// A [Bus] also lets components wait for the next interaction, e.g. to retry
// speech that was blocked.
package gesture

import (
	"sync"
	"sync/atomic"
)

// Kind classifies an interaction.
type Kind int

const (
	Pointer Kind = iota
	Keyboard
)

func (k Kind) String() string {
	switch k {
	case Pointer:
		return "pointer"
	case Keyboard:
		return "keyboard"
	default:
		return "unknown"
	}
}

var unlocked atomic.Bool

// Unlocked reports whether any gesture has been observed by any [Bus] in
// this process.
func Unlocked() bool { return unlocked.Load() }

// Bus fans interaction events out to one-shot listeners.
// The zero value is ready to use.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func(Kind)
}

// Notify records a user gesture. It unlocks audio for the process and runs
// every pending listener exactly once, outside the bus lock.
func (b *Bus) Notify(kind Kind) {
	unlocked.Store(true)

	b.mu.Lock()
	pending := b.listeners
	b.listeners = nil
	b.mu.Unlock()

	for _, fn := range pending {
		fn(kind)
	}
}

// Once registers fn to run on the next gesture. The returned cancel func
// unregisters it; calling cancel after fn ran or more than once is a no-op.
func (b *Bus) Once(fn func(Kind)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[uint64]func(Kind))
	}
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Pending returns the number of registered listeners.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
