package client

import "sync"

// Badge counts unread messages per sender on the client side. It is a
// local mirror of the server's numbers and can lag them; opening a
// conversation clears its counter. Counts never go below zero.
type Badge struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewBadge() *Badge {
	return &Badge{counts: make(map[string]int)}
}

func (b *Badge) Inc(senderID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[senderID]++
	return b.counts[senderID]
}

// Set overwrites one sender's counter, e.g. from a server badge push.
func (b *Badge) Set(senderID string, n int) {
	if n < 0 {
		n = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n == 0 {
		delete(b.counts, senderID)
		return
	}
	b.counts[senderID] = n
}

func (b *Badge) Clear(senderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.counts, senderID)
}

func (b *Badge) Count(senderID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[senderID]
}

// Total is the sum across all senders, for the app-level badge.
func (b *Badge) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.counts {
		total += n
	}
	return total
}
