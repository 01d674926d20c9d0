package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

// migrateLogger adapts ectologger to migrate.Logger
type migrateLogger struct {
	ectologger.Logger
}

func (l migrateLogger) Verbose() bool { return false }

func (l migrateLogger) Printf(format string, v ...any) {
	l.Infof(strings.TrimSuffix(format, "\n"), v...)
}

type MigrationConfig struct {
	MigrationFolderPath string
	// Version pins the schema to a version instead of the latest
	Version uint
	// Force clears the dirty flag at this version before migrating
	Force int
	// AutoRollback clears a dirty flag left by a failed migration so the next
	// start retries it
	AutoRollback bool
}

// MigrationResult is the schema version before and after a run
type MigrationResult struct {
	From     uint          `json:"from"`
	To       uint          `json:"to"`
	Applied  bool          `json:"applied"`
	Duration time.Duration `json:"duration"`
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{config: config, logger: logger}
}

func (ms *MigrationService) folder() (string, error) {
	folder := ms.config.MigrationFolderPath
	if !filepath.IsAbs(folder) {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		folder = filepath.Join(wd, folder)
	}
	if _, err := os.Stat(folder); err != nil {
		return "", errors.Wrapf(err, "migration folder %s", folder)
	}
	return folder, nil
}

// MigratePostgres brings the candidate ledger schema in db to the configured version
func (ms *MigrationService) MigratePostgres(db *sql.DB, databaseName string) (*MigrationResult, error) {
	folder, err := ms.folder()
	if err != nil {
		return nil, err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres migration driver")
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create migrate instance")
	}
	m.Log = migrateLogger{Logger: ms.logger}

	return ms.run(m)
}

func (ms *MigrationService) run(m *migrate.Migrate) (*MigrationResult, error) {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			return nil, errors.Wrapf(err, "failed to force schema version %d", ms.config.Force)
		}
	}

	from, err := currentVersion(m)
	if err != nil {
		return nil, err
	}
	result := &MigrationResult{From: from, To: from}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}
	result.Duration = time.Since(start)

	switch {
	case err == nil:
		result.Applied = true
	case errors.Is(err, migrate.ErrNoChange):
		err = nil
	default:
		return nil, ms.resetDirty(m, err, from)
	}

	if result.To, err = currentVersion(m); err != nil {
		return nil, err
	}
	ms.logger.WithFields(map[string]any{
		"from":     result.From,
		"to":       result.To,
		"applied":  result.Applied,
		"duration": result.Duration.String(),
	}).Info("Database schema migrated")
	return result, nil
}

// resetDirty always returns the migration error so nothing starts on a half-migrated schema
func (ms *MigrationService) resetDirty(m *migrate.Migrate, migrationErr error, from uint) error {
	ms.logger.WithError(migrationErr).Error("Migration failed")

	version, dirty, err := m.Version()
	if err != nil || !dirty || !ms.config.AutoRollback {
		return errors.Wrap(migrationErr, "migration failed")
	}

	ms.logger.Warnf("Schema is dirty at version %d; resetting to %d", version, from)
	if err := m.Force(int(from)); err != nil {
		return errors.Wrapf(err, "failed to reset dirty schema to version %d", from)
	}
	return errors.Wrap(migrationErr, "migration failed")
}

func currentVersion(m *migrate.Migrate) (uint, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read schema version")
	}
	if dirty {
		return 0, fmt.Errorf("schema is dirty at version %d; set DB_MIGRATION_FORCE to repair", version)
	}
	return version, nil
}
