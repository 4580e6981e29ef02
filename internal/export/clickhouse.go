package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

// ClickHouseConfig configures the ClickHouse writer.
type ClickHouseConfig struct {
	// Endpoint is the ClickHouse native protocol address (host:port).
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	// Defaults to "default".
	Database string `yaml:"database"`

	// Table is the target table name. The embedded migrations only create
	// "metrics", so the migrate command refuses any other name.
	// Defaults to "metrics".
	Table string `yaml:"table"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// MaxOpenConns caps concurrent connections. Flush cycles issue one
	// insert per chunk in parallel.
	// Defaults to 5.
	MaxOpenConns int `yaml:"max_open_conns"`

	// DialTimeout bounds connection establishment.
	// Defaults to 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *ClickHouseConfig) ApplyDefaults() {
	if c.Database == "" {
		c.Database = "default"
	}

	if c.Table == "" {
		c.Table = "metrics"
	}

	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 5
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Validate checks the configuration.
func (c *ClickHouseConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}

	if c.Table == "" {
		return errors.New("table is required")
	}

	return nil
}

// QualifiedTable returns database.table.
func (c ClickHouseConfig) QualifiedTable() string {
	if c.Database == "" {
		return c.Table
	}

	return c.Database + "." + c.Table
}

// DSN returns a clickhouse:// URL for tools such as the migrator.
func (c ClickHouseConfig) DSN() string {
	u := url.URL{
		Scheme: "clickhouse",
		Host:   c.Endpoint,
		Path:   "/" + c.Database,
	}

	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}

	return u.String()
}

// ClickHouseWriter manages the ClickHouse connection.
type ClickHouseWriter struct {
	log  logrus.FieldLogger
	cfg  ClickHouseConfig
	conn clickhouse.Conn
}

// NewClickHouseWriter creates a new ClickHouse writer.
func NewClickHouseWriter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
) *ClickHouseWriter {
	cfg.ApplyDefaults()

	return &ClickHouseWriter{
		log: log.WithField("component", "clickhouse"),
		cfg: cfg,
	}
}

// Start opens the ClickHouse connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	opts := &clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:  w.cfg.DialTimeout,
		MaxOpenConns: w.cfg.MaxOpenConns,
		MaxIdleConns: min(2, w.cfg.MaxOpenConns),
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()

		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	w.conn = conn

	w.log.WithFields(logrus.Fields{
		"endpoint": w.cfg.Endpoint,
		"table":    w.cfg.QualifiedTable(),
	}).Info("ClickHouse writer connected")

	return nil
}

// PrepareBatch starts a batch insert for query.
func (w *ClickHouseWriter) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	if w.conn == nil {
		return nil, errors.New("clickhouse writer not started")
	}

	return w.conn.PrepareBatch(ctx, query)
}

// Config returns the writer configuration.
func (w *ClickHouseWriter) Config() ClickHouseConfig {
	return w.cfg
}

// Stop closes the ClickHouse connection.
func (w *ClickHouseWriter) Stop() error {
	if w.conn != nil {
		return w.conn.Close()
	}

	return nil
}
