// Package notifier wakes the dispatch loop when new work is written.
package notifier

// Notifier is a coalescing wake-up signal. Any number of Notify calls between two
// receives collapse into a single wake-up; Notify never blocks.
type Notifier struct {
	ch chan struct{}
}

// New creates a notifier.
func New() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify signals that work may be available.
func (n *Notifier) Notify() {
	if n == nil {
		return
	}
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C returns the channel that receives wake-ups.
func (n *Notifier) C() <-chan struct{} {
	return n.ch
}
