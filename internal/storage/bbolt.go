package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

const dbFileName = "gateway.db"

// BoltDB wraps bbolt with the gateway's bucket layout
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the database under dataDir
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbFileName)
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	b := &BoltDB{db: db, logger: logger}
	if err := b.initBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debugw("Opened database", "path", dbPath)
	return b, nil
}

func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{UpstreamsBucket, StatusHistoryBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))
		if meta.Get([]byte(SchemaVersionKey)) == nil {
			return meta.Put([]byte(SchemaVersionKey), itob(CurrentSchemaVersion))
		}
		return nil
	})
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// SaveUpstream inserts or replaces an upstream record
func (b *BoltDB) SaveUpstream(record *UpstreamRecord) error {
	data, err := record.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal upstream %s: %w", record.ID, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(UpstreamsBucket)).Put([]byte(record.ID), data)
	})
}

// GetUpstream loads one upstream record
func (b *BoltDB) GetUpstream(id string) (*UpstreamRecord, error) {
	var record UpstreamRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(UpstreamsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("upstream %s: %w", id, ErrNotFound)
		}
		return record.UnmarshalBinary(data)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListUpstreams returns every upstream record ordered by id
func (b *BoltDB) ListUpstreams() ([]*UpstreamRecord, error) {
	var records []*UpstreamRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(UpstreamsBucket)).ForEach(func(k, v []byte) error {
			record := &UpstreamRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				b.logger.Warnw("Skipping corrupt upstream record", "key", string(k), "error", err)
				return nil
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

// AppendTransition stores a status change in the server's history bucket
func (b *BoltDB) AppendTransition(record *TransitionRecord) error {
	data, err := record.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		history, err := tx.Bucket([]byte(StatusHistoryBucket)).CreateBucketIfNotExists([]byte(record.ServerID))
		if err != nil {
			return err
		}
		seq, err := history.NextSequence()
		if err != nil {
			return err
		}
		return history.Put(itob(seq), data)
	})
}

// ListTransitions returns the newest limit transitions of a server, oldest first.
// limit <= 0 returns the full history.
func (b *BoltDB) ListTransitions(serverID string, limit int) ([]*TransitionRecord, error) {
	var records []*TransitionRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		history := tx.Bucket([]byte(StatusHistoryBucket)).Bucket([]byte(serverID))
		if history == nil {
			return nil
		}
		c := history.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			record := &TransitionRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to decode transition: %w", err)
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// PruneTransitions keeps only the newest keep entries of a server's history
func (b *BoltDB) PruneTransitions(serverID string, keep int) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		history := tx.Bucket([]byte(StatusHistoryBucket)).Bucket([]byte(serverID))
		if history == nil {
			return nil
		}
		var keys [][]byte
		c := history.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= keep {
			return nil
		}
		for _, k := range keys[:len(keys)-keep] {
			if err := history.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSchemaVersion returns the stored schema version
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(MetaBucket)).Get([]byte(SchemaVersionKey))
		if data == nil {
			return fmt.Errorf("schema version: %w", ErrNotFound)
		}
		version = binary.BigEndian.Uint64(data)
		return nil
	})
	return version, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
