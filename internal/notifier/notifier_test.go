package notifier

import "testing"

func TestNotifyCoalesces(t *testing.T) {
	n := New()
	n.Notify()
	n.Notify()
	n.Notify()

	select {
	case <-n.C():
	default:
		t.Fatalf("expected a pending wake-up")
	}
	select {
	case <-n.C():
		t.Fatalf("expected wake-ups to coalesce")
	default:
	}
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	n.Notify()
}
