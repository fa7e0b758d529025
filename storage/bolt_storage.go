package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"invisibleface/models"
)

const boltFile = "records.db"

var recordsBucket = []byte("records")

// BoltStore keeps records in a single bbolt file keyed by big-endian index.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(basePath string) (*BoltStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %v", err)
	}

	db, err := bbolt.Open(filepath.Join(basePath, boltFile), 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func recordKey(index int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

func (s *BoltStore) SaveRecord(rec *models.EnrollmentRecord) error {
	if rec.Index < 0 {
		return fmt.Errorf("invalid record index %d", rec.Index)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %d: %v", rec.Index, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		key := recordKey(rec.Index)
		if b.Get(key) != nil {
			return fmt.Errorf("record %d: %w", rec.Index, ErrRecordExists)
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) LoadRecord(index int) (*models.EnrollmentRecord, error) {
	var rec *models.EnrollmentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get(recordKey(index))
		if data == nil {
			return fmt.Errorf("record %d: %w", index, ErrRecordNotFound)
		}
		// data is only valid inside the transaction; Unmarshal copies it
		rec = &models.EnrollmentRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) Count() (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(recordsBucket).Stats().KeyN
		return nil
	})
	return count, err
}

// NextIndex reads the last key; big-endian keys sort by index.
func (s *BoltStore) NextIndex() (int, error) {
	next := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		key, _ := tx.Bucket(recordsBucket).Cursor().Last()
		if key != nil {
			next = int(binary.BigEndian.Uint64(key)) + 1
		}
		return nil
	})
	return next, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
