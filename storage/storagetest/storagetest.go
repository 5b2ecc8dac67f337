// Package storagetest holds the conformance suite every storage.Repository
// backend must pass.
package storagetest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmcleod/ironca/storage"
)

func envelope(version uint64, payload string) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte(payload),
		Version:    version,
	}
}

// Run exercises newRepo against the storage.Repository contract. newRepo must
// return an empty repository for every call.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	const bucket = "ledger"

	t.Run("PutGet", func(t *testing.T) {
		repo := newRepo(t)
		env := envelope(1, "request-1")
		if err := repo.Put(bucket, "request", "r1", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(bucket, "request", "r1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Ver != env.Ver || got.Scheme != env.Scheme || got.Version != env.Version ||
			!bytes.Equal(got.Nonce, env.Nonce) || !bytes.Equal(got.Ciphertext, env.Ciphertext) {
			t.Errorf("Get returned wrong envelope: %+v", got)
		}

		got.Ciphertext[0] = 'X'
		again, _ := repo.Get(bucket, "request", "r1")
		if again.Ciphertext[0] == 'X' {
			t.Error("repository must not share envelope buffers with callers")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := newRepo(t)
		if _, err := repo.Get("missing", "request", "r1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing bucket, got %v", err)
		}
		repo.Put(bucket, "request", "r1", envelope(1, "x"))
		if _, err := repo.Get(bucket, "request", "r2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing record, got %v", err)
		}
		if _, err := repo.Get(bucket, "issued", "r1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("record types must not alias, got %v", err)
		}
	})

	t.Run("ListSortedPerType", func(t *testing.T) {
		repo := newRepo(t)
		for _, id := range []string{"c", "a", "b"} {
			repo.Put(bucket, "request", id, envelope(1, id))
		}
		repo.Put(bucket, "issued", "z", envelope(1, "z"))

		ids, err := repo.List(bucket, "request")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if fmt.Sprint(ids) != "[a b c]" {
			t.Errorf("expected [a b c], got %v", ids)
		}

		ids, err = repo.List("missing", "request")
		if err != nil {
			t.Fatalf("List on missing bucket failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no IDs for missing bucket, got %v", ids)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)

		if err := repo.PutCAS(bucket, "request", "r1", 0, envelope(1, "v1")); err != nil {
			t.Fatalf("create-only PutCAS failed: %v", err)
		}
		if err := repo.PutCAS(bucket, "request", "r1", 0, envelope(1, "v1")); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("second create must fail with ErrCASFailed, got %v", err)
		}
		if err := repo.PutCAS(bucket, "request", "absent", 1, envelope(2, "v2")); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("update of absent record must fail with ErrCASFailed, got %v", err)
		}
		if err := repo.PutCAS(bucket, "request", "r1", 1, envelope(2, "v2")); err != nil {
			t.Fatalf("matching PutCAS failed: %v", err)
		}
		if err := repo.PutCAS(bucket, "request", "r1", 1, envelope(3, "v3")); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("stale PutCAS must fail with ErrCASFailed, got %v", err)
		}
		got, _ := repo.Get(bucket, "request", "r1")
		if string(got.Ciphertext) != "v2" || got.Version != 2 {
			t.Errorf("expected v2 after CAS sequence, got %s@%d", got.Ciphertext, got.Version)
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		repo := newRepo(t)
		repo.Put(bucket, "request", "r1", envelope(1, "pending"))

		err := repo.Batch(bucket, func(tx storage.BatchTx) error {
			cur, err := tx.Get("request", "r1")
			if err != nil {
				return err
			}
			if err := tx.PutCAS("issued", "S1", 0, envelope(1, "cert")); err != nil {
				return err
			}
			return tx.PutCAS("request", "r1", cur.Version, envelope(cur.Version+1, "approved"))
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		got, _ := repo.Get(bucket, "request", "r1")
		if string(got.Ciphertext) != "approved" {
			t.Errorf("expected approved, got %s", got.Ciphertext)
		}
		if _, err := repo.Get(bucket, "issued", "S1"); err != nil {
			t.Errorf("issued record missing after commit: %v", err)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		repo := newRepo(t)
		repo.Put(bucket, "request", "r1", envelope(1, "pending"))

		err := repo.Batch(bucket, func(tx storage.BatchTx) error {
			if err := tx.Put("issued", "S1", envelope(1, "cert")); err != nil {
				return err
			}
			if err := tx.Put("request", "r1", envelope(2, "approved")); err != nil {
				return err
			}
			return fmt.Errorf("simulated failure")
		})
		if err == nil {
			t.Fatal("expected Batch to return the callback error")
		}
		if _, err := repo.Get(bucket, "issued", "S1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("issued record must not survive rollback, got %v", err)
		}
		got, _ := repo.Get(bucket, "request", "r1")
		if string(got.Ciphertext) != "pending" || got.Version != 1 {
			t.Errorf("request must be unchanged after rollback, got %s@%d", got.Ciphertext, got.Version)
		}
	})

	t.Run("ConcurrentCAS", func(t *testing.T) {
		repo := newRepo(t)
		repo.Put(bucket, "request", "r1", envelope(1, "pending"))

		const workers = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := repo.PutCAS(bucket, "request", "r1", 1, envelope(2, fmt.Sprintf("w%d", i)))
				if err == nil {
					wins.Add(1)
				} else if !errors.Is(err, storage.ErrCASFailed) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Errorf("expected exactly one CAS winner, got %d", wins.Load())
		}
	})
}
