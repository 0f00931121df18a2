package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Connection is the subset of the native driver connection used by the indexer.
type Connection interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Ping(ctx context.Context) error
}

type Client interface {
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

type client struct {
	log  *slog.Logger
	conn driver.Conn
}

// NewClient opens a native protocol connection pool and pings it, retrying the ping
// a few times while the server comes up.
func NewClient(ctx context.Context, log *slog.Logger, addr, database, username, password string, secure bool) (Client, error) {
	if addr == "" {
		return nil, errors.New("clickhouse address is required")
	}
	opts := &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
	if secure {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		err = conn.Ping(ctx)
		if err == nil {
			break
		}
		if attempt == 3 || ctx.Err() != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
		}
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}

	return &client{log: log, conn: conn}, nil
}

func (c *client) Conn(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.conn, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}
