package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	JournalBucket  = []byte("journal")
	MetadataBucket = []byte("metadata")

	ErrMetadataNotFound = errors.New("metadata key not found")
)

const checkpointKey = "checkpoint_lsn"

// Journal is a bbolt-backed append-only log of eviction batches plus a small
// metadata bucket holding the replication checkpoint.
type Journal struct {
	db *bolt.DB
}

// Ref is one journaled entity reference. ID is the identifier's string form.
type Ref struct {
	EntityType string `json:"entity_type"`
	ID         string `json:"id"`
}

type Entry struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Refs      []Ref     `json:"refs"`
}

func New(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{JournalBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores refs as one entry and returns its sequence number.
// Sequence numbers start at 1 and are never reused.
func (j *Journal) Append(refs []Ref) (uint64, error) {
	var seq uint64

	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(JournalBucket)

		next, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		seq = next

		data, err := json.Marshal(&Entry{
			Sequence:  seq,
			Timestamp: time.Now().UTC(),
			Refs:      refs,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal journal entry: %w", err)
		}

		return bucket.Put(sequenceKey(seq), data)
	})
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// Entries returns up to limit entries with sequence >= from, in order.
// A limit <= 0 returns all remaining entries.
func (j *Journal) Entries(from uint64, limit int) ([]*Entry, error) {
	var entries []*Entry

	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(JournalBucket).Cursor()

		for k, v := cursor.Seek(sequenceKey(from)); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal journal entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Prune deletes every entry with sequence < before and returns how many were
// removed.
func (j *Journal) Prune(before uint64) (int, error) {
	removed := 0

	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(JournalBucket)
		cursor := bucket.Cursor()

		var keys [][]byte
		for k, _ := cursor.First(); k != nil && binary.BigEndian.Uint64(k) < before; k, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})

	return removed, err
}

// LastSequence returns the highest sequence number ever allocated.
func (j *Journal) LastSequence() (uint64, error) {
	var seq uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		seq = tx.Bucket(JournalBucket).Sequence()
		return nil
	})
	return seq, err
}

func (j *Journal) SetMetadata(key, value string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (j *Journal) GetMetadata(key string) (string, error) {
	var value string

	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrMetadataNotFound, key)
		}
		value = string(data)
		return nil
	})

	return value, err
}

// SetCheckpoint records the last acknowledged replication position.
func (j *Journal) SetCheckpoint(lsn uint64) error {
	return j.SetMetadata(checkpointKey, strconv.FormatUint(lsn, 10))
}

// Checkpoint returns the recorded replication position, or 0 if none.
func (j *Journal) Checkpoint() (uint64, error) {
	value, err := j.GetMetadata(checkpointKey)
	if errors.Is(err, ErrMetadataNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	lsn, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint %q: %w", value, err)
	}
	return lsn, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
