// Package notify carries "the queue may have changed elsewhere" signals
// between instances sharing one local store.
package notify

// Channel is an external change-notification channel. Publish announces a
// local change to every other participant; Signals delivers their
// announcements, coalesced so a slow reader sees at most one pending signal.
type Channel interface {
	Publish() error
	Signals() <-chan struct{}
	Close() error
}

// signal performs a non-blocking, coalescing send.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
