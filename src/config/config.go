package config

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration. It holds the defaults until Load
// is called.
var Config = Defaults()

func Defaults() HKConfig {
	return HKConfig{
		Env:      Dev,
		LogLevel: zerolog.InfoLevel,
		Postgres: PostgresConfig{
			User:           "hk",
			Password:       "password",
			Hostname:       "localhost",
			Port:           5432,
			DbName:         "heapkeeper",
			LogLevel:       tracelog.LogLevelWarn,
			MinConn:        2,
			MaxConn:        10,
			ConnectTimeout: 30 * time.Second,
		},
		Mail: MailConfig{
			Domain: "localhost",
		},
		Fsck: FsckConfig{
			Interval: time.Hour,
		},
	}
}

/*
Load reads configuration from the given file (YAML, TOML or JSON, by
extension) and from HK_-prefixed environment variables, e.g.
HK_POSTGRES_HOSTNAME. An empty path searches for hk.yaml in the working
directory and /etc/heapkeeper; a missing file there is not an error.
*/
func Load(path string) (HKConfig, error) {
	v := viper.New()
	def := Defaults()

	v.SetDefault("env", string(def.Env))
	v.SetDefault("loglevel", def.LogLevel.String())
	v.SetDefault("postgres.user", def.Postgres.User)
	v.SetDefault("postgres.password", def.Postgres.Password)
	v.SetDefault("postgres.hostname", def.Postgres.Hostname)
	v.SetDefault("postgres.port", def.Postgres.Port)
	v.SetDefault("postgres.dbname", def.Postgres.DbName)
	v.SetDefault("postgres.loglevel", def.Postgres.LogLevel.String())
	v.SetDefault("postgres.minconn", def.Postgres.MinConn)
	v.SetDefault("postgres.maxconn", def.Postgres.MaxConn)
	v.SetDefault("postgres.connecttimeout", def.Postgres.ConnectTimeout)
	v.SetDefault("mail.domain", def.Mail.Domain)
	v.SetDefault("mail.ingestrate", def.Mail.IngestRate)
	v.SetDefault("fsck.interval", def.Fsck.Interval)

	v.SetEnvPrefix("hk")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return HKConfig{}, err
		}
	} else {
		v.SetConfigName("hk")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/heapkeeper")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return HKConfig{}, err
			}
		}
	}

	logLevel, err := zerolog.ParseLevel(v.GetString("loglevel"))
	if err != nil {
		return HKConfig{}, err
	}
	pgLogLevel, err := tracelog.LogLevelFromString(v.GetString("postgres.loglevel"))
	if err != nil {
		return HKConfig{}, err
	}

	return HKConfig{
		Env:      Environment(v.GetString("env")),
		LogLevel: logLevel,
		Postgres: PostgresConfig{
			User:           v.GetString("postgres.user"),
			Password:       v.GetString("postgres.password"),
			Hostname:       v.GetString("postgres.hostname"),
			Port:           v.GetInt("postgres.port"),
			DbName:         v.GetString("postgres.dbname"),
			LogLevel:       pgLogLevel,
			MinConn:        v.GetInt32("postgres.minconn"),
			MaxConn:        v.GetInt32("postgres.maxconn"),
			ConnectTimeout: v.GetDuration("postgres.connecttimeout"),
		},
		Mail: MailConfig{
			Domain:     v.GetString("mail.domain"),
			IngestRate: v.GetFloat64("mail.ingestrate"),
		},
		Fsck: FsckConfig{
			Interval: v.GetDuration("fsck.interval"),
		},
	}, nil
}
