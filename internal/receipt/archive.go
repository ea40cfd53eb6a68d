package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const recordsBucket = "records"

// ErrRecordNotFound is returned when no record has the requested ID.
var ErrRecordNotFound = errors.New("record not found")

// Archive stores exported records
type Archive interface {
	// Save writes records, replacing any with the same ID
	Save(records ...*Record) error

	// Get retrieves a record by ID
	Get(id string) (*Record, error)

	// List returns every record, oldest first
	List() ([]*Record, error)

	// Close closes the archive
	Close() error
}

// BoltArchive implements Archive using BoltDB
type BoltArchive struct {
	db *bbolt.DB
}

// NewBoltArchive opens or creates the archive file at path
func NewBoltArchive(path string) (*BoltArchive, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recordsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltArchive{db: db}, nil
}

// Save writes all records in one transaction
func (b *BoltArchive) Save(records ...*Record) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucket))
		for _, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshaling record %s: %w", r.ID, err)
			}
			if err := bucket.Put([]byte(r.ID), data); err != nil {
				return fmt.Errorf("storing record %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// Get retrieves a record by ID
func (b *BoltArchive) Get(id string) (*Record, error) {
	var record *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(recordsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// List returns all records ordered by creation time
func (b *BoltArchive) List() ([]*Record, error) {
	records := make([]*Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(recordsBucket)).ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Close closes the database connection
func (b *BoltArchive) Close() error {
	return b.db.Close()
}
