package database

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

var upMigration = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

// MigrationConfig controls how the schema in db/pg is applied.
type MigrationConfig struct {
	MigrationFolderPath string
	// Version pins the target version; 0 migrates to the latest.
	Version uint
	// Force clears a dirty flag by forcing this version before migrating.
	Force int
	// AutoRollback forces the pre-run version back when a migration leaves
	// the schema dirty.
	AutoRollback bool
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

// migrateLogger routes golang-migrate output into the service logger.
type migrateLogger struct {
	ectologger.Logger
}

func (l migrateLogger) Verbose() bool { return false }

func (l migrateLogger) Printf(format string, v ...any) {
	l.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

// MigratePostgres applies the migrations against the database behind db.
func (ms *MigrationService) MigratePostgres(db DB, databaseName string) error {
	folder, err := ms.folder()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db.Unwrap().DB, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return errors.Wrap(err, "failed to create postgres migration driver")
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		return errors.Wrap(err, "failed to create migrate instance")
	}
	m.Log = migrateLogger{Logger: ms.logger}

	return ms.apply(m, folder)
}

// folder resolves the configured path, falling back to the working directory.
func (ms *MigrationService) folder() (string, error) {
	path := ms.config.MigrationFolderPath
	if _, err := os.Stat(path); err != nil {
		wd, _ := os.Getwd()
		path = filepath.Join(wd, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(err, "migration folder %s does not exist", path)
	}
	return path, nil
}

func (ms *MigrationService) apply(m *migrate.Migrate, folder string) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			return errors.Wrapf(err, "failed to force schema version %d", ms.config.Force)
		}
	}

	from, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "failed to read schema version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	log := ms.logger.WithFields(map[string]any{
		"from_version": from,
		"duration_ms":  time.Since(start).Milliseconds(),
	})

	switch {
	case err == nil:
		to, _, _ := m.Version()
		log.WithField("to_version", to).Info("Schema migrated")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		log.Info("Schema is up to date")
		return nil
	case strings.Contains(err.Error(), "no migration found for version"):
		// the database is ahead of this binary's migration set
		latest, latestErr := latestVersion(folder)
		if latestErr != nil {
			return latestErr
		}
		log.WithField("to_version", latest).Warn("Schema version unknown to this build, forcing latest known version")
		return m.Force(latest)
	}

	version, dirty, _ := m.Version()
	if dirty && ms.config.AutoRollback {
		target := int(from)
		if from == 0 && version > 0 {
			target = int(version) - 1
		}
		log.WithFields(map[string]any{"dirty_version": version, "to_version": target}).Warn("Rolling dirty schema back")
		if forceErr := m.Force(target); forceErr != nil {
			return errors.Wrapf(forceErr, "failed to force schema version %d", target)
		}
	}

	return errors.Wrapf(err, "failed to apply migrations (dirty=%t version=%d)", dirty, version)
}

// latestVersion returns the highest up-migration number in folder.
func latestVersion(folder string) (int, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := upMigration.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		v, err := strconv.Atoi(match[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, v)
	}

	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files found in %s", folder)
	}
	return slices.Max(versions), nil
}
