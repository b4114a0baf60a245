package db

import (
	"context"
	"regexp"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/config"
	"git.handmade.network/hmn/heapkeeper/src/logging"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/utils"
	zerologadapter "github.com/jackc/pgx-zerolog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/jpillora/backoff"
)

// This interface should match both a direct pgx connection or a pgx transaction.
type ConnOrTx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	// Both raw database connections and transactions in pgx can begin/commit
	// transactions. For transactions this creates a savepoint. See the
	// documentation of pgx.Tx.Begin.
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Creates a new connection to the heap keeper database.
// This connection is not safe for concurrent use.
func NewConn(ctx context.Context) (*pgx.Conn, error) {
	return NewConnWithConfig(ctx, config.PostgresConfig{})
}

func NewConnWithConfig(ctx context.Context, cfg config.PostgresConfig) (*pgx.Conn, error) {
	cfg = overrideDefaultConfig(cfg)

	pgcfg, err := pgx.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, oops.New(err, "invalid database config")
	}
	pgcfg.Tracer = newTracer(cfg)

	conn, err := pgx.ConnectConfig(ctx, pgcfg)
	if err != nil {
		return nil, oops.New(err, "failed to connect to database")
	}
	return conn, nil
}

// Creates a connection pool for the heap keeper database.
// The resulting pool is safe for concurrent use.
func NewConnPool(ctx context.Context) (*pgxpool.Pool, error) {
	return NewConnPoolWithConfig(ctx, config.PostgresConfig{})
}

func NewConnPoolWithConfig(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	cfg = overrideDefaultConfig(cfg)

	pgcfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, oops.New(err, "invalid database config")
	}
	pgcfg.MinConns = cfg.MinConn
	pgcfg.MaxConns = cfg.MaxConn
	pgcfg.ConnConfig.Tracer = newTracer(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, pgcfg)
	if err != nil {
		return nil, oops.New(err, "failed to create database connection pool")
	}
	return pool, nil
}

/*
Opens a pool and pings it until the database answers or cfg.ConnectTimeout
runs out. Meant for command startup, when the database may still be coming
up next to us. Nothing past startup retries.
*/
func ConnectPoolWithRetry(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	cfg = overrideDefaultConfig(cfg)
	logger := logging.ExtractLogger(ctx)

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for {
		pool, err := NewConnPoolWithConfig(ctx, cfg)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				return pool, nil
			}
			pool.Close()
		}

		wait := b.Duration()
		logger.Warn().Err(err).Dur("retry in", wait).Msg("database not reachable")
		if sleepErr := utils.SleepContext(ctx, wait); sleepErr != nil {
			return nil, oops.New(err, "gave up connecting to database after %d attempts", int(b.Attempt()))
		}
	}
}

func overrideDefaultConfig(cfg config.PostgresConfig) config.PostgresConfig {
	return config.PostgresConfig{
		User:           utils.OrDefault(cfg.User, config.Config.Postgres.User),
		Password:       utils.OrDefault(cfg.Password, config.Config.Postgres.Password),
		Hostname:       utils.OrDefault(cfg.Hostname, config.Config.Postgres.Hostname),
		Port:           utils.OrDefault(cfg.Port, config.Config.Postgres.Port),
		DbName:         utils.OrDefault(cfg.DbName, config.Config.Postgres.DbName),
		LogLevel:       utils.OrDefault(cfg.LogLevel, config.Config.Postgres.LogLevel),
		MinConn:        utils.OrDefault(cfg.MinConn, config.Config.Postgres.MinConn),
		MaxConn:        utils.OrDefault(cfg.MaxConn, config.Config.Postgres.MaxConn),
		ConnectTimeout: utils.OrDefault(cfg.ConnectTimeout, config.Config.Postgres.ConnectTimeout),
	}
}

func newTracer(cfg config.PostgresConfig) pgx.QueryTracer {
	return multiTracer{
		&tracelog.TraceLog{
			Logger:   zerologadapter.NewLogger(*logging.GlobalLogger()),
			LogLevel: cfg.LogLevel,
		},
		queryNameTracer{},
	}
}

type multiTracer []pgx.QueryTracer

var _ pgx.QueryTracer = multiTracer{}

func (mt multiTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	for _, t := range mt {
		ctx = t.TraceQueryStart(ctx, conn, data)
	}
	return ctx
}

func (mt multiTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	for _, t := range mt {
		t.TraceQueryEnd(ctx, conn, data)
	}
}

var reQueryName = regexp.MustCompile("---- (.*)\n")

func GetQueryName(sql string) (string, bool) {
	m := reQueryName.FindStringSubmatch(sql)
	if m != nil {
		return m[1], true
	}
	return "", false
}

type queryStartKey struct{}

type queryStart struct {
	name  string
	start time.Time
}

/*
Logs named queries (those starting with a "---- name" comment) that take
longer than slowQueryThreshold, using the logger attached to the query's
context.
*/
type queryNameTracer struct{}

const slowQueryThreshold = 500 * time.Millisecond

var _ pgx.QueryTracer = queryNameTracer{}

func (queryNameTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	name, ok := GetQueryName(data.SQL)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, queryStartKey{}, queryStart{name: name, start: time.Now()})
}

func (queryNameTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	qs, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	if elapsed := time.Since(qs.start); elapsed > slowQueryThreshold {
		logging.ExtractLogger(ctx).Warn().
			Str("query", qs.name).
			Dur("elapsed", elapsed).
			Msg("slow query")
	}
}
