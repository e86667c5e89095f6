package database

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

// MigrationConfig controls how schema migrations are applied
type MigrationConfig struct {
	MigrationFolderPath string
	Version             uint // target version; 0 means latest
	Force               int  // force the schema version before migrating; 0 disables
	AutoRollback        bool // on a dirty failure, force back to the previous version
}

// MigrationService applies golang-migrate SQL migrations
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

// migrateLogger adapts ectologger to migrate's Logger interface
type migrateLogger struct {
	ectologger.Logger
}

func (l migrateLogger) Verbose() bool { return true }

func (l migrateLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

// Migrate applies migrations to the named database through the given driver
func (ms *MigrationService) Migrate(databaseName string, driver database.Driver) error {
	folder := ms.resolveFolder()
	if _, err := os.Stat(folder); err != nil {
		return errors.Wrapf(err, "migration folder %s does not exist", folder)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		ms.logger.WithError(err).Error("Failed to create migrate instance")
		return err
	}
	m.Log = migrateLogger{Logger: ms.logger}

	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			ms.logger.WithError(err).Errorf("Failed to force schema to version %d", ms.config.Force)
			return err
		}
	}

	previous, _, err := m.Version()
	if err != nil {
		previous = 0
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}
	ms.logger.Infof("Database migrations completed in %v", time.Since(start))

	return ms.finish(m, err, previous)
}

// resolveFolder tries the configured path as given, then relative to the
// working directory.
func (ms *MigrationService) resolveFolder() string {
	folder := ms.config.MigrationFolderPath
	if _, err := os.Stat(folder); err == nil {
		return folder
	}
	wd, _ := os.Getwd()
	return filepath.Join(wd, folder)
}

func (ms *MigrationService) finish(m *migrate.Migrate, err error, previous uint) error {
	if err == nil {
		ms.logger.Info("Successfully applied migrations")
		return nil
	}
	if err == migrate.ErrNoChange {
		ms.logger.Info("No new migrations to apply")
		return nil
	}

	// The recorded schema version can point past the newest migration file
	// after a deploy rollback; force it back onto the newest known version.
	if strings.Contains(err.Error(), "no migration found for version") {
		latest, latestErr := latestFileVersion(ms.resolveFolder())
		if latestErr != nil {
			ms.logger.WithError(latestErr).Error("Failed to resolve latest migration version")
			return err
		}
		ms.logger.Warnf("Schema version %d has no migration file. Forcing to version %d", previous, latest)
		if forceErr := m.Force(latest); forceErr != nil {
			ms.logger.WithError(forceErr).Errorf("Failed to force schema to version %d", latest)
			return forceErr
		}
		return nil
	}

	ms.logger.WithError(err).Error("Migration failed")

	version, dirty, versionErr := m.Version()
	if versionErr != nil && versionErr != migrate.ErrNilVersion {
		ms.logger.WithError(versionErr).Error("Failed to read schema version after failure")
		return err
	}

	if ms.config.AutoRollback && dirty {
		if previous == 0 {
			previous = version - 1
		}
		ms.logger.Warnf("Schema is dirty at version %d. Reverting to version %d", version, previous)
		if forceErr := m.Force(int(previous)); forceErr != nil {
			ms.logger.WithError(forceErr).Errorf("Failed to force schema to version %d", previous)
			return forceErr
		}
		// The revert cleans the dirty flag but the migration still failed;
		// the caller must not start serving.
	}

	return err
}

var migrationFilePattern = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

func latestFileVersion(folder string) (int, error) {
	files, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		matches := migrationFilePattern.FindStringSubmatch(file.Name())
		if len(matches) < 2 {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, version)
	}
	if len(versions) == 0 {
		return 0, errors.New("no migration files found")
	}

	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
