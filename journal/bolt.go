// Package journal persists payment attempts and the release reservations that
// keep a payment from being released twice.
//
// Two stores are provided. Bolt keeps everything in a single local file and
// suits a standalone terminal. Postgres shares reservations between terminals
// that front the same merchant.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/teur/pos"
)

var (
	attemptsBucket = []byte("attempts")
	releasesBucket = []byte("releases")
)

// ErrNotFound is returned when an attempt or reservation is not in the journal.
var ErrNotFound = errors.New("journal: not found")

// Reservation records which attempt claimed a payment for release.
type Reservation struct {
	PaymentID  string    `json:"payment_id"`
	AttemptID  string    `json:"attempt_id"`
	ReservedAt time.Time `json:"reserved_at"`
}

// Bolt is a pos.Journal stored in a BoltDB file.
type Bolt struct {
	db    *bolt.DB
	clock func() time.Time
}

var _ pos.Journal = (*Bolt)(nil)

// OpenBolt opens or creates the journal file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{attemptsBucket, releasesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create buckets: %w", err)
	}
	return &Bolt{db: db, clock: time.Now}, nil
}

// Close releases the file lock.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// SaveAttempt stores the latest snapshot of an attempt, replacing older ones.
func (b *Bolt) SaveAttempt(_ context.Context, attempt *pos.Attempt) error {
	if attempt == nil || attempt.ID == "" {
		return fmt.Errorf("journal: save attempt: id is required")
	}
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("journal: encode attempt: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptsBucket).Put([]byte(attempt.ID), data)
	})
}

// ReserveRelease claims paymentID for attemptID. It returns false when the
// payment was already claimed, by this or any other attempt.
func (b *Bolt) ReserveRelease(_ context.Context, paymentID, attemptID string) (bool, error) {
	if paymentID == "" {
		return false, fmt.Errorf("journal: reserve release: payment id is required")
	}
	created := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(releasesBucket)
		if bkt.Get([]byte(paymentID)) != nil {
			return nil
		}
		data, err := json.Marshal(Reservation{
			PaymentID:  paymentID,
			AttemptID:  attemptID,
			ReservedAt: b.clock().UTC(),
		})
		if err != nil {
			return err
		}
		if err := bkt.Put([]byte(paymentID), data); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("journal: reserve release: %w", err)
	}
	return created, nil
}

// AbandonRelease deletes the reservation for paymentID when attemptID holds
// it. A reservation held by another attempt is left alone.
func (b *Bolt) AbandonRelease(_ context.Context, paymentID, attemptID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(releasesBucket)
		v := bkt.Get([]byte(paymentID))
		if v == nil {
			return nil
		}
		var r Reservation
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		if r.AttemptID != attemptID {
			return nil
		}
		return bkt.Delete([]byte(paymentID))
	})
	if err != nil {
		return fmt.Errorf("journal: abandon release: %w", err)
	}
	return nil
}

// Reservation returns the reservation held for paymentID.
func (b *Bolt) Reservation(paymentID string) (Reservation, error) {
	var r Reservation
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(releasesBucket).Get([]byte(paymentID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &r)
	})
	return r, err
}

// Attempt loads a single attempt by id.
func (b *Bolt) Attempt(id string) (*pos.Attempt, error) {
	var a pos.Attempt
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(attemptsBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Attempts lists every stored attempt ordered by id.
func (b *Bolt) Attempts() ([]*pos.Attempt, error) {
	items := []*pos.Attempt{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptsBucket).ForEach(func(_, v []byte) error {
			var a pos.Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			items = append(items, &a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("journal: list attempts: %w", err)
	}
	return items, nil
}
