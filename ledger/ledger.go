// Package ledger is the durable record of certificate requests and issued
// certificates. Records are JSON-encoded and sealed with AES-256-GCM before
// they reach the storage repository; every state change is a compare-and-set
// inside a storage batch.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/ironca/internal/crypto"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/storage"
)

var (
	// ErrRequestNotFound is returned when no request has the given identifier.
	ErrRequestNotFound = errors.New("certificate request not found")

	// ErrCertificateNotFound is returned when no issued certificate has the
	// given serial.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrInvalidState is returned when an update would violate the
	// pending -> approved|rejected transition rule.
	ErrInvalidState = errors.New("invalid request state")

	// ErrDuplicateRequest is returned when creating a request whose
	// identifier already exists.
	ErrDuplicateRequest = errors.New("certificate request already exists")

	// ErrSerialCollision is returned when an issued certificate with the same
	// serial is already on record.
	ErrSerialCollision = errors.New("certificate serial already issued")
)

const (
	// DefaultBucket is the storage bucket used when none is configured.
	DefaultBucket = "ironca"

	recordTypeRequest = "request"
	recordTypeIssued  = "issued"

	aadVersion = 1
)

// HKDF parameters for the record key.
var (
	recordKeySalt = []byte("ironca-ledger")
	recordKeyInfo = []byte("ironca record key v1")
)

// DeriveRecordKey derives the 32-byte record sealing key from the master
// secret.
func DeriveRecordKey(masterSecret []byte) ([]byte, error) {
	key, err := util.DeriveKey(masterSecret, recordKeySalt, recordKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving record key: %w", err)
	}
	return key, nil
}

// Ledger stores requests and issued certificates in a storage.Repository.
type Ledger struct {
	repo   storage.Repository
	bucket string
	key    *memguard.Enclave
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithBucket overrides the storage bucket.
func WithBucket(bucket string) Option {
	return func(l *Ledger) { l.bucket = bucket }
}

// New returns a Ledger sealing records with recordKey. The key is moved into
// a memguard enclave and the caller's slice is wiped.
func New(repo storage.Repository, recordKey []byte, opts ...Option) (*Ledger, error) {
	if repo == nil {
		return nil, errors.New("ledger: repository is required")
	}
	if len(recordKey) != util.AESKeySize {
		return nil, fmt.Errorf("ledger: record key must be %d bytes, got %d", util.AESKeySize, len(recordKey))
	}
	l := &Ledger{repo: repo, bucket: DefaultBucket}
	for _, opt := range opts {
		opt(l)
	}
	l.key = memguard.NewEnclave(recordKey)
	return l, nil
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// Create persists a new pending request. The stored version is written back
// into req.
func (l *Ledger) Create(ctx context.Context, req *CertificateRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.ID == "" {
		return errors.New("ledger: request id is required")
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: new requests must be pending, got %q", ErrInvalidState, req.Status)
	}

	env, err := l.seal(recordTypeRequest, req.ID, req, 1)
	if err != nil {
		return err
	}
	if err := l.repo.PutCAS(l.bucket, recordTypeRequest, req.ID, 0, env); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
		}
		return fmt.Errorf("storing request: %w", err)
	}
	req.Version = 1
	return nil
}

// Get returns the request with the given identifier.
func (l *Ledger) Get(ctx context.Context, id string) (*CertificateRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, err := l.repo.Get(l.bucket, recordTypeRequest, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
		}
		return nil, err
	}
	return l.openRequest(id, env)
}

// ListByStatus returns requests in the given status ordered by identifier.
// An empty status returns every request.
func (l *Ledger) ListByStatus(ctx context.Context, status Status) ([]*CertificateRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := l.repo.List(l.bucket, recordTypeRequest)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	out := make([]*CertificateRequest, 0, len(ids))
	for _, id := range ids {
		env, err := l.repo.Get(l.bucket, recordTypeRequest, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		req, err := l.openRequest(id, env)
		if err != nil {
			return nil, err
		}
		if status == "" || req.Status == status {
			out = append(out, req)
		}
	}
	return out, nil
}

// Update stores a status transition for req. The stored record must still be
// pending at the version req was read at; anything else is ErrInvalidState
// and leaves the record unchanged.
func (l *Ledger) Update(ctx context.Context, req *CertificateRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var next uint64
	err := l.repo.Batch(l.bucket, func(tx storage.BatchTx) error {
		var err error
		next, err = l.transitionTx(tx, req)
		return err
	})
	if err != nil {
		return err
	}
	req.Version = next
	return nil
}

// Issue atomically promotes req to approved and records cert. It fails with
// ErrInvalidState when the request is no longer pending and with
// ErrSerialCollision when cert's serial is already on record; in both cases
// nothing is written.
func (l *Ledger) Issue(ctx context.Context, req *CertificateRequest, cert *IssuedCertificate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Status != StatusApproved || req.Serial != cert.Serial || cert.RequestID != req.ID {
		return fmt.Errorf("%w: issuance record does not match approved request", ErrInvalidState)
	}
	if cert.Serial == "" {
		return errors.New("ledger: serial is required")
	}

	var next uint64
	err := l.repo.Batch(l.bucket, func(tx storage.BatchTx) error {
		if _, err := tx.Get(recordTypeIssued, cert.Serial); err == nil {
			return fmt.Errorf("%w: %s", ErrSerialCollision, cert.Serial)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		var err error
		next, err = l.transitionTx(tx, req)
		if err != nil {
			return err
		}

		env, err := l.seal(recordTypeIssued, cert.Serial, cert, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(recordTypeIssued, cert.Serial, 0, env); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return fmt.Errorf("%w: %s", ErrSerialCollision, cert.Serial)
			}
			return fmt.Errorf("storing issued certificate: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	req.Version = next
	return nil
}

func (l *Ledger) transitionTx(tx storage.BatchTx, req *CertificateRequest) (uint64, error) {
	env, err := tx.Get(recordTypeRequest, req.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrRequestNotFound, req.ID)
		}
		return 0, err
	}
	current, err := l.openRequest(req.ID, env)
	if err != nil {
		return 0, err
	}
	if !current.Status.CanTransition(req.Status) {
		return 0, fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidState, req.ID, current.Status, req.Status)
	}
	if req.Version != 0 && req.Version != current.Version {
		return 0, fmt.Errorf("%w: %s was modified concurrently", ErrInvalidState, req.ID)
	}

	next := current.Version + 1
	sealed, err := l.seal(recordTypeRequest, req.ID, req, next)
	if err != nil {
		return 0, err
	}
	if err := tx.PutCAS(recordTypeRequest, req.ID, current.Version, sealed); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return 0, fmt.Errorf("%w: %s was modified concurrently", ErrInvalidState, req.ID)
		}
		return 0, err
	}
	return next, nil
}

// ---------------------------------------------------------------------------
// Issued certificates
// ---------------------------------------------------------------------------

// GetIssued returns the issued certificate with the given serial.
func (l *Ledger) GetIssued(ctx context.Context, serial string) (*IssuedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, err := l.repo.Get(l.bucket, recordTypeIssued, serial)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, serial)
		}
		return nil, err
	}
	var cert IssuedCertificate
	if err := l.open(recordTypeIssued, serial, env, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// ListIssued returns every issued certificate ordered by serial.
func (l *Ledger) ListIssued(ctx context.Context) ([]*IssuedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	serials, err := l.repo.List(l.bucket, recordTypeIssued)
	if err != nil {
		return nil, fmt.Errorf("listing issued certificates: %w", err)
	}
	out := make([]*IssuedCertificate, 0, len(serials))
	for _, serial := range serials {
		cert, err := l.GetIssued(ctx, serial)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Sealing
// ---------------------------------------------------------------------------

func (l *Ledger) seal(recordType, recordID string, v any, version uint64) (*storage.Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s record: %w", recordType, err)
	}
	defer util.WipeBytes(data)

	buf, err := l.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening record key: %w", err)
	}
	defer buf.Destroy()

	aad := icrypto.AADRecord(l.bucket, recordType, recordID, aadVersion)
	return storage.SealRecord(buf.Bytes(), data, aad, version)
}

func (l *Ledger) open(recordType, recordID string, env *storage.Envelope, v any) error {
	buf, err := l.key.Open()
	if err != nil {
		return fmt.Errorf("opening record key: %w", err)
	}
	defer buf.Destroy()

	aad := icrypto.AADRecord(l.bucket, recordType, recordID, aadVersion)
	data, err := storage.OpenRecord(buf.Bytes(), env, aad)
	if err != nil {
		return fmt.Errorf("opening %s record %s: %w", recordType, recordID, err)
	}
	defer util.WipeBytes(data)
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s record %s: %w", recordType, recordID, err)
	}
	return nil
}

func (l *Ledger) openRequest(id string, env *storage.Envelope) (*CertificateRequest, error) {
	var req CertificateRequest
	if err := l.open(recordTypeRequest, id, env, &req); err != nil {
		return nil, err
	}
	req.Version = env.Version
	return &req, nil
}
