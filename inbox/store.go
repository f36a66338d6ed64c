// Package inbox keeps payment records in a badger database until the attempt
// they belong to picks them up, so records delivered by late callbacks or
// taps survive a terminal restart.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/teur/pos"
)

const (
	// DefaultTTL bounds how long an undelivered record is kept.
	DefaultTTL = 10 * time.Minute

	defaultPollInterval = 200 * time.Millisecond

	keyPrefix = "record/"
)

// Store is a pos.TokenSource and pos.TokenDeliverer backed by badger. Records
// are taken once: reading a record deletes it.
type Store struct {
	db           *badger.DB
	ttl          time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

var (
	_ pos.TokenSource    = (*Store)(nil)
	_ pos.TokenDeliverer = (*Store)(nil)
	_ pos.RecordSource   = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPollInterval sets how often AwaitToken checks for new records.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens the store in dir. An empty dir keeps everything in memory.
func Open(dir string, opts ...Option) (*Store, error) {
	bopts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("inbox: open badger db: %w", err)
	}
	s := &Store{
		db:           db,
		ttl:          DefaultTTL,
		pollInterval: defaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Deliver stores rec under key. An empty key stores the record for whichever
// attempt asks next and replaces any earlier unkeyed record.
func (s *Store) Deliver(_ context.Context, key string, rec pos.PaymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("inbox: encode record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(storageKey(key), data).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("inbox: store record: %w", err)
	}
	s.logger.Debug("Stored payment record", zap.String("key", key), zap.String("payment_id", rec.PaymentID))
	return nil
}

// AwaitToken takes the record stored under key, or the unkeyed record, and
// polls until one arrives or ctx is done.
func (s *Store) AwaitToken(ctx context.Context, key string) (pos.PaymentRecord, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		rec, ok, err := s.take(key)
		if err != nil && !errors.Is(err, badger.ErrConflict) {
			return pos.PaymentRecord{}, err
		}
		if ok {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return pos.PaymentRecord{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Take removes and returns the unkeyed record in a single transaction.
func (s *Store) Take() (pos.PaymentRecord, bool) {
	rec, ok, err := s.take("")
	if err != nil {
		s.logger.Warn("Failed to take payment record", zap.Error(err))
		return pos.PaymentRecord{}, false
	}
	return rec, ok
}

// Pending counts records that have not expired or been taken.
func (s *Store) Pending() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) take(key string) (pos.PaymentRecord, bool, error) {
	var (
		rec   pos.PaymentRecord
		found bool
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		candidates := [][]byte{storageKey(key)}
		if key != "" {
			candidates = append(candidates, storageKey(""))
		}
		for _, k := range candidates {
			r, ok, err := get(txn, k)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			rec, found = r, true
			return nil
		}
		return nil
	})
	if err != nil {
		return pos.PaymentRecord{}, false, fmt.Errorf("inbox: take record: %w", err)
	}
	return rec, found, nil
}

func get(txn *badger.Txn, key []byte) (pos.PaymentRecord, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return pos.PaymentRecord{}, false, nil
	}
	if err != nil {
		return pos.PaymentRecord{}, false, err
	}
	var data []byte
	err = item.Value(func(val []byte) error {
		data = append([]byte{}, val...)
		return nil
	})
	if err != nil {
		return pos.PaymentRecord{}, false, err
	}
	var rec pos.PaymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return pos.PaymentRecord{}, false, fmt.Errorf("decode record: %w", err)
	}
	return rec, true, nil
}

func storageKey(key string) []byte {
	return []byte(keyPrefix + key)
}
