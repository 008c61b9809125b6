// Package events carries share grant/revoke notifications from the sharing
// subsystem to the envelope manager. Subscriptions are explicit and typed;
// dispatch is synchronous on the publisher's goroutine so envelope mutations
// keep their per-file ordering.
package events

import "sync"

// ShareGranted is published after the sharing layer grants a principal read
// access to a file.
type ShareGranted struct {
	FileID      string
	RecipientID string

	// GrantorID is the principal performing the grant; their unwrapped
	// private key is needed to open the CEK for re-wrapping.
	GrantorID string
}

// ShareRevoked is published after the sharing layer revokes a principal's
// read access to a file.
type ShareRevoked struct {
	FileID      string
	RecipientID string
}

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu         sync.RWMutex
	grantSubs  []func(ShareGranted)
	revokeSubs []func(ShareRevoked)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) SubscribeShareGranted(fn func(ShareGranted)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.grantSubs = append(b.grantSubs, fn)
}

func (b *Bus) SubscribeShareRevoked(fn func(ShareRevoked)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revokeSubs = append(b.revokeSubs, fn)
}

func (b *Bus) PublishShareGranted(ev ShareGranted) {
	b.mu.RLock()
	subs := b.grantSubs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (b *Bus) PublishShareRevoked(ev ShareRevoked) {
	b.mu.RLock()
	subs := b.revokeSubs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
