// Package migrate applies the embedded ClickHouse schema used by the
// clickhouse sink.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

// Table is the table the embedded migrations create.
const Table = "metrics"

//go:embed sql/*.sql
var migrations embed.FS

// CheckTable reports whether the migrations can serve a sink writing to
// table.
func CheckTable(table string) error {
	if table != Table {
		return fmt.Errorf("migrations only manage table %q, sink is configured for %q", Table, table)
	}

	return nil
}

// Migrator manages ClickHouse schema migrations.
type Migrator interface {
	// Up applies all pending migrations.
	Up(ctx context.Context) error
	// Down rolls back the last migration.
	Down(ctx context.Context) error
	// Status returns the current migration version.
	Status(ctx context.Context) (version uint, dirty bool, err error)
}

type migrator struct {
	log logrus.FieldLogger
	dsn string
}

// New creates a Migrator for a clickhouse:// DSN such as
// "clickhouse://host:9000/database".
func New(log logrus.FieldLogger, dsn string) Migrator {
	return &migrator{
		log: log.WithField("component", "migrate"),
		dsn: dsn,
	}
}

// Up applies all pending migrations.
func (m *migrator) Up(_ context.Context) error {
	return m.run("Applying migrations", func(mig *migrate.Migrate) error {
		return mig.Up()
	})
}

// Down rolls back the last migration.
func (m *migrator) Down(_ context.Context) error {
	return m.run("Rolling back last migration", func(mig *migrate.Migrate) error {
		return mig.Steps(-1)
	})
}

// Status returns the current migration version.
func (m *migrator) Status(_ context.Context) (uint, bool, error) {
	mig, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer mig.Close()

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("getting migration version: %w", err)
	}

	return version, dirty, nil
}

func (m *migrator) run(action string, step func(*migrate.Migrate) error) error {
	mig, err := m.open()
	if err != nil {
		return err
	}
	defer mig.Close()

	m.log.Info(action)

	if err := step(mig); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", strings.ToLower(action), err)
	}

	version, dirty, _ := mig.Version()
	m.log.WithFields(logrus.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info("Migration step completed")

	return nil
}

func (m *migrator) open() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	mig, err := migrate.NewWithSourceInstance("iofs", source, multiStatementDSN(m.dsn))
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	return mig, nil
}

// multiStatementDSN enables ClickHouse multi-statement support on dsn.
func multiStatementDSN(dsn string) string {
	if strings.Contains(dsn, "x-multi-statement=") {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	return dsn + sep + "x-multi-statement=true"
}
