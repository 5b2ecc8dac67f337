// Package storage provides the storage abstraction layer for sealed ledger records.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides reads and writes within an atomic transaction.
// The bucket is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType string, recordID string) (*Envelope, error)
	Put(recordType string, recordID string, envelope *Envelope) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
}

// Repository defines the interface for sealed record storage. Records are
// addressed by (bucket, recordType, recordID). PutCAS with expectedVersion 0
// is create-only; otherwise the stored envelope's Version must match.
type Repository interface {
	Put(bucket string, recordType string, recordID string, envelope *Envelope) error
	Get(bucket string, recordType string, recordID string) (*Envelope, error)
	List(bucket string, recordType string) ([]string, error)
	PutCAS(bucket string, recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Batch(bucket string, fn func(tx BatchTx) error) error
}
