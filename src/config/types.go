package config

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
)

type Environment string

const (
	Live Environment = "live"
	Beta Environment = "beta"
	Dev  Environment = "dev"
)

type HKConfig struct {
	Env      Environment
	LogLevel zerolog.Level
	Postgres PostgresConfig
	Mail     MailConfig
	Fsck     FsckConfig
}

type PostgresConfig struct {
	User     string
	Password string
	Hostname string
	Port     int
	DbName   string
	LogLevel tracelog.LogLevel
	MinConn  int32
	MaxConn  int32

	// How long the CLI keeps retrying the initial connection.
	ConnectTimeout time.Duration
}

func (info PostgresConfig) DSN() string {
	return fmt.Sprintf("user=%s password=%s host=%s port=%d dbname=%s", info.User, info.Password, info.Hostname, info.Port, info.DbName)
}

type MailConfig struct {
	// Domain that heap addresses live under, e.g. heap short name "dev"
	// receives mail at dev@<Domain>. Only used for display; routing looks
	// at the local part alone.
	Domain string
	// Maximum messages per second for batch ingestion. Zero means unlimited.
	IngestRate float64
}

type FsckConfig struct {
	Interval time.Duration
}
