package pos

import (
	"context"
	"sync"
	"time"
)

// DefaultInboxTTL bounds how long an undelivered record is kept.
const DefaultInboxTTL = 10 * time.Minute

// MemoryInbox hands payment records from NFC taps and checkout callbacks to
// the attempt waiting for them. It implements TokenSource, TokenDeliverer and
// RecordSource.
//
// Records delivered under a key go to the waiter for that key. Records with
// an empty key go to whichever attempt waits first. Undelivered records are
// kept until consumed or until they expire; a newer unkeyed record replaces
// an older one.
type MemoryInbox struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	pending map[string]pendingRecord
	waiters []*inboxWaiter
}

type pendingRecord struct {
	rec     PaymentRecord
	expires time.Time
}

type inboxWaiter struct {
	key string
	ch  chan PaymentRecord
}

// InboxOption customizes a [MemoryInbox].
type InboxOption func(*MemoryInbox)

// WithInboxTTL overrides DefaultInboxTTL.
func WithInboxTTL(ttl time.Duration) InboxOption {
	return func(in *MemoryInbox) {
		if ttl > 0 {
			in.ttl = ttl
		}
	}
}

func withInboxClock(fn func() time.Time) InboxOption {
	return func(in *MemoryInbox) {
		in.clock = fn
	}
}

// NewMemoryInbox returns an empty inbox.
func NewMemoryInbox(opts ...InboxOption) *MemoryInbox {
	in := &MemoryInbox{
		ttl:     DefaultInboxTTL,
		clock:   time.Now,
		pending: make(map[string]pendingRecord),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(in)
		}
	}
	return in
}

// Deliver hands rec to a waiter or stores it.
func (in *MemoryInbox) Deliver(_ context.Context, key string, rec PaymentRecord) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	for i, w := range in.waiters {
		if key != "" && w.key != key {
			continue
		}
		in.waiters = append(in.waiters[:i], in.waiters[i+1:]...)
		w.ch <- rec
		return nil
	}
	now := in.clock()
	in.expireLocked(now)
	in.pending[key] = pendingRecord{rec: rec, expires: now.Add(in.ttl)}
	return nil
}

// AwaitToken returns the record for key, falling back to an unkeyed one, and
// blocks until one is delivered or ctx is done.
func (in *MemoryInbox) AwaitToken(ctx context.Context, key string) (PaymentRecord, error) {
	in.mu.Lock()
	if rec, ok := in.takeLocked(key); ok {
		in.mu.Unlock()
		return rec, nil
	}
	w := &inboxWaiter{key: key, ch: make(chan PaymentRecord, 1)}
	in.waiters = append(in.waiters, w)
	in.mu.Unlock()

	select {
	case rec := <-w.ch:
		return rec, nil
	case <-ctx.Done():
		in.mu.Lock()
		defer in.mu.Unlock()
		for i, other := range in.waiters {
			if other == w {
				in.waiters = append(in.waiters[:i], in.waiters[i+1:]...)
				return PaymentRecord{}, ctx.Err()
			}
		}
		// Delivered while ctx was finishing.
		return <-w.ch, nil
	}
}

// Take removes and returns the pending unkeyed record.
func (in *MemoryInbox) Take() (PaymentRecord, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.takeLocked("")
}

// Pending counts records that have not expired or been taken.
func (in *MemoryInbox) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.expireLocked(in.clock())
	return len(in.pending)
}

func (in *MemoryInbox) takeLocked(key string) (PaymentRecord, bool) {
	in.expireLocked(in.clock())
	if p, ok := in.pending[key]; ok {
		delete(in.pending, key)
		return p.rec, true
	}
	if key == "" {
		return PaymentRecord{}, false
	}
	if p, ok := in.pending[""]; ok {
		delete(in.pending, "")
		return p.rec, true
	}
	return PaymentRecord{}, false
}

func (in *MemoryInbox) expireLocked(now time.Time) {
	for key, p := range in.pending {
		if !now.Before(p.expires) {
			delete(in.pending, key)
		}
	}
}
