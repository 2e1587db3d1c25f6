// Package store persists a rolling history of finished Downloader runs in
// a boltdb/bolt database, grounded on internal/repository/boltDB.go's
// bucket-based Save/Find/FindAll/Delete shape. This is not the resume
// manifest — that stays the filesystem sidecar internal/sink owns — it is
// an introspection log for a host application embedding the engine.
package store

import (
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
)

var historyBucket = []byte("history")

// Record is one finished Downloader run.
type Record struct {
	ID         int64     `json:"id"`
	URL        string    `json:"url"`
	SavePath   string    `json:"save_path"`
	Status     string    `json:"status"`
	BytesTotal int64     `json:"bytes_total"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the history database at path and
// ensures the history bucket exists, mirroring
// internal/repository/boltDB.go's NewBoltDBRepository.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Append(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)
		key := recordKey(r.ID, r.FinishedAt)
		return b.Put(key, data)
	})
}

// List returns every recorded run, most-recently-finished last (bolt
// iterates bucket keys in byte order and recordKey is time-ordered).
func (s *Store) List() ([]Record, error) {
	var records []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)
		return b.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil // skip a corrupt entry rather than fail the whole listing
			}
			records = append(records, r)
			return nil
		})
	})

	return records, err
}

// Clear removes every recorded run.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(historyBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(historyBucket)
		return err
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(id int64, finishedAt time.Time) []byte {
	ts := finishedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
	return []byte(ts)
}
