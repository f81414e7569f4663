package storage

import "time"

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config configures the backing store and its connection pool.
type Config struct {
	Driver          string        `yaml:"driver" json:"driver"`
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// DefaultConfig returns a local sqlite store.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             "file:cowork-gateway.db?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Driver == "" {
		c.Driver = def.Driver
	}
	if c.DSN == "" && c.Driver == DriverSQLite {
		c.DSN = def.DSN
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = def.MaxOpenConns
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY inside transactions.
	if c.Driver == DriverSQLite {
		c.MaxOpenConns = 1
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = def.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = def.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = def.ConnMaxIdleTime
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	return c
}
