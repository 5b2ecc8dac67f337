package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmcleod/ironca/artifact"
	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/ledger"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	bboltstorage "github.com/jmcleod/ironca/storage/bbolt"
	"github.com/jmcleod/ironca/storage/memory"
	sqlitestorage "github.com/jmcleod/ironca/storage/sqlite"
)

// engine is the wired issuance stack shared by the server and the
// operator commands.
type engine struct {
	cfg       *config.Config
	logger    *slog.Logger
	ledger    *ledger.Ledger
	authority *pki.Authority
	manager   *issuance.Manager
	assembler *artifact.Assembler
	close     func() error
}

func openEngine(cfg *config.Config, logOut io.Writer) (*engine, error) {
	logger := cfg.Log.NewLogger(logOut)

	repo, closeRepo, err := openRepository(cfg.Storage)
	if err != nil {
		return nil, err
	}

	key, err := ledger.DeriveRecordKey([]byte(cfg.Secrets.MasterSecret))
	if err != nil {
		closeRepo()
		return nil, err
	}
	l, err := ledger.New(repo, key)
	if err != nil {
		closeRepo()
		return nil, err
	}

	var authority *pki.Authority
	if cfg.Authority.CertFile != "" {
		authority, err = pki.LoadAuthority(cfg.Authority.CertFile, cfg.Authority.KeyFile,
			cfg.Authority.ChainFile, cfg.Authority.RootFile)
		if err != nil {
			closeRepo()
			return nil, fmt.Errorf("loading issuing authority: %w", err)
		}
		logger.Info("issuing authority loaded",
			"subject", authority.Certificate().Subject.String(),
			"not_after", authority.Certificate().NotAfter,
		)
	} else {
		logger.Warn("no issuing authority configured; approvals will fail until authority.cert_file is set")
	}

	mgr, err := issuance.NewManager(l, pki.NewSoftware(), authority,
		issuance.WithLogger(logger),
		issuance.WithValidityDays(cfg.Issuance.ValidityDays),
	)
	if err != nil {
		closeRepo()
		return nil, err
	}

	return &engine{
		cfg:       cfg,
		logger:    logger,
		ledger:    l,
		authority: authority,
		manager:   mgr,
		assembler: artifact.NewAssembler(l, authority),
		close:     closeRepo,
	}, nil
}

func openRepository(cfg config.StorageConfig) (storage.Repository, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewRepository(), noop, nil
	case config.DriverBolt, config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	if cfg.Driver == config.DriverSQLite {
		repo, err := sqlitestorage.NewRepositoryFromFile(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return repo, repo.Close, nil
	}
	repo, err := bboltstorage.NewRepositoryFromFile(cfg.Path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
	}
	return repo, repo.Close, nil
}

// withEngine loads the configuration and runs fn against an open engine.
// Operator commands log to stderr so stdout stays clean for their output.
func withEngine(fn func(e *engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEngine(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer e.close()
	return fn(e)
}
