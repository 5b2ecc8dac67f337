// Package sqlite implements storage.Repository on SQLite through GORM.
//
// The records table uses a composite primary key (bucket, record_type,
// record_id) that mirrors the key space of the BBolt and in-memory
// backends. Envelope fields are stored as individual columns.
package sqlite

import (
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jmcleod/ironca/storage"
)

// record is the row shape of the records table.
type record struct {
	Bucket     string `gorm:"primaryKey;size:128"`
	RecordType string `gorm:"primaryKey;size:64"`
	RecordID   string `gorm:"primaryKey;size:255"`
	Ver        int    `gorm:"not null"`
	Scheme     string `gorm:"not null"`
	Nonce      []byte
	Ciphertext []byte
	Version    uint64 `gorm:"not null;default:0"`
}

// TableName pins the table name regardless of GORM naming strategy.
func (record) TableName() string {
	return "records"
}

func newRecord(bucket, recordType, recordID string, env *storage.Envelope) *record {
	return &record{
		Bucket:     bucket,
		RecordType: recordType,
		RecordID:   recordID,
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      env.Nonce,
		Ciphertext: env.Ciphertext,
		Version:    env.Version,
	}
}

func (r *record) envelope() *storage.Envelope {
	return &storage.Envelope{
		Ver:        r.Ver,
		Scheme:     r.Scheme,
		Nonce:      r.Nonce,
		Ciphertext: r.Ciphertext,
		Version:    r.Version,
	}
}

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *gorm.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository migrates the records table on db and returns a Repository.
func NewRepository(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate records table: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens (or creates) the SQLite database at path.
// The pool is limited to a single connection so that transactions are
// serialised the same way BBolt serialises writers.
func NewRepositoryFromFile(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return NewRepository(db)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Put(bucket, recordType, recordID string, envelope *storage.Envelope) error {
	return putInTx(s.db, newRecord(bucket, recordType, recordID, envelope))
}

func (s *Store) Get(bucket, recordType, recordID string) (*storage.Envelope, error) {
	return getInTx(s.db, bucket, recordType, recordID)
}

func (s *Store) List(bucket, recordType string) ([]string, error) {
	var ids []string
	err := s.db.Model(&record{}).
		Where("bucket = ? AND record_type = ?", bucket, recordType).
		Order("record_id").
		Pluck("record_id", &ids).Error
	return ids, err
}

func (s *Store) PutCAS(bucket, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return putCASInTx(tx, newRecord(bucket, recordType, recordID, envelope), expectedVersion)
	})
}

func (s *Store) Batch(bucket string, fn func(tx storage.BatchTx) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormBatchTx{tx: tx, bucket: bucket})
	})
}

type gormBatchTx struct {
	tx     *gorm.DB
	bucket string
}

var _ storage.BatchTx = (*gormBatchTx)(nil)

func (btx *gormBatchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return getInTx(btx.tx, btx.bucket, recordType, recordID)
}

func (btx *gormBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return putInTx(btx.tx, newRecord(btx.bucket, recordType, recordID, envelope))
}

func (btx *gormBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return putCASInTx(btx.tx, newRecord(btx.bucket, recordType, recordID, envelope), expectedVersion)
}

func getInTx(tx *gorm.DB, bucket, recordType, recordID string) (*storage.Envelope, error) {
	var rec record
	err := tx.Where("bucket = ? AND record_type = ? AND record_id = ?", bucket, recordType, recordID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec.envelope(), nil
}

func putInTx(tx *gorm.DB, rec *record) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

// putCASInTx performs the version check inside the write statement itself so
// that the check and the write cannot interleave with another writer.
func putCASInTx(tx *gorm.DB, rec *record, expectedVersion uint64) error {
	if expectedVersion == 0 {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}

	res := tx.Model(&record{}).
		Where("bucket = ? AND record_type = ? AND record_id = ? AND version = ?",
			rec.Bucket, rec.RecordType, rec.RecordID, expectedVersion).
		Updates(map[string]any{
			"ver":        rec.Ver,
			"scheme":     rec.Scheme,
			"nonce":      rec.Nonce,
			"ciphertext": rec.Ciphertext,
			"version":    rec.Version,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrCASFailed
	}
	return nil
}
