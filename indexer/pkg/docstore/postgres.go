package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var fieldNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type PostgresConfig struct {
	Logger *slog.Logger
	DSN    string

	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("postgres dsn is required")
	}
	if cfg.MaxConns < 0 {
		return errors.New("max conns must be non-negative")
	}
	return nil
}

// PostgresStore keeps documents as JSONB rows in a single documents table keyed by
// (collection, id).
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	cfg.Logger.Info("docstore: connected to postgres", "max_conns", poolCfg.MaxConns)

	return &PostgresStore{
		log:  cfg.Logger,
		pool: pool,
	}, nil
}

// Pool exposes the underlying pool for migrations.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Get(ctx context.Context, ref Ref) (map[string]any, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data::text FROM documents WHERE collection = $1 AND id = $2`,
		ref.Collection, ref.ID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get document %s: %w", ref, err)
	}
	doc, err := DecodeDocument(raw)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

const (
	upsertReplaceSQL = `INSERT INTO documents (collection, id, data)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`

	upsertMergeSQL = `INSERT INTO documents (collection, id, data)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (collection, id) DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = now()`

	createSQL = `INSERT INTO documents (collection, id, data)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (collection, id) DO NOTHING`

	deleteSQL = `DELETE FROM documents WHERE collection = $1 AND id = $2`
)

func (s *PostgresStore) Set(ctx context.Context, ref Ref, data map[string]any, merge bool) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", ref, err)
	}
	query := upsertReplaceSQL
	if merge {
		query = upsertMergeSQL
	}
	if _, err := s.pool.Exec(ctx, query, ref.Collection, ref.ID, string(raw)); err != nil {
		return fmt.Errorf("failed to set document %s: %w", ref, err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, ref Ref, data map[string]any) (bool, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("failed to marshal document %s: %w", ref, err)
	}
	tag, err := s.pool.Exec(ctx, createSQL, ref.Collection, ref.ID, string(raw))
	if err != nil {
		return false, fmt.Errorf("failed to create document %s: %w", ref, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) NewBatch() Batch {
	return &postgresBatch{store: s}
}

func (s *PostgresStore) Stream(ctx context.Context, q Query, fn func(Document) error) error {
	query, args, err := buildStreamQuery(q)
	if err != nil {
		return err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query collection %s: %w", q.Collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("failed to scan document: %w", err)
		}
		data, err := DecodeDocument(raw)
		if err != nil {
			return err
		}
		if err := fn(Document{Ref: NewRef(q.Collection, id), Data: data}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate collection %s: %w", q.Collection, err)
	}
	return nil
}

// buildStreamQuery renders q as SQL. Field names are inlined so expression indexes on
// data->'field' apply; they are restricted to identifier characters.
func buildStreamQuery(q Query) (string, []any, error) {
	var sb strings.Builder
	args := []any{q.Collection}
	sb.WriteString(`SELECT id, data::text FROM documents WHERE collection = $1`)

	for _, f := range q.Filters {
		if !fieldNameRe.MatchString(f.Field) {
			return "", nil, fmt.Errorf("invalid filter field %q", f.Field)
		}
		op, err := sqlOp(f.Op)
		if err != nil {
			return "", nil, err
		}
		raw, err := json.Marshal(f.Value)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal filter value for %q: %w", f.Field, err)
		}
		args = append(args, string(raw))
		n := len(args)
		fmt.Fprintf(&sb, ` AND jsonb_typeof(data->'%s') = jsonb_typeof($%d::jsonb) AND data->'%s' %s $%d::jsonb`,
			f.Field, n, f.Field, op, n)
	}

	if q.OrderBy != "" {
		if !fieldNameRe.MatchString(q.OrderBy) {
			return "", nil, fmt.Errorf("invalid order field %q", q.OrderBy)
		}
		dir := "ASC"
		if q.Descending {
			dir = "DESC"
		}
		// JSON null sorts with missing fields.
		fmt.Fprintf(&sb, ` ORDER BY NULLIF(data->'%s', 'null'::jsonb) %s NULLS LAST, id ASC`, q.OrderBy, dir)
	} else {
		sb.WriteString(` ORDER BY id ASC`)
	}

	if q.Offset > 0 {
		fmt.Fprintf(&sb, ` OFFSET %d`, q.Offset)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, ` LIMIT %d`, q.Limit)
	}
	return sb.String(), args, nil
}

func sqlOp(op Op) (string, error) {
	switch op {
	case OpEQ:
		return "=", nil
	case OpLT, OpLTE, OpGT, OpGTE:
		return string(op), nil
	}
	return "", fmt.Errorf("unsupported filter operator %q", op)
}

func (s *PostgresStore) NewID() string {
	return uuid.NewString()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type postgresBatch struct {
	opBatch
	store *PostgresStore
}

// Commit applies every operation in one transaction.
func (b *postgresBatch) Commit(ctx context.Context) error {
	if len(b.ops) > MaxBatchSize {
		return fmt.Errorf("%w: %d operations", ErrBatchTooLarge, len(b.ops))
	}
	if len(b.ops) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, op := range b.ops {
		if op.delete {
			batch.Queue(deleteSQL, op.ref.Collection, op.ref.ID)
			continue
		}
		raw, err := json.Marshal(op.data)
		if err != nil {
			return fmt.Errorf("failed to marshal document %s: %w", op.ref, err)
		}
		batch.Queue(upsertReplaceSQL, op.ref.Collection, op.ref.ID, string(raw))
	}

	err := pgx.BeginFunc(ctx, b.store.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to commit batch of %d operations: %w", len(b.ops), err)
	}
	return nil
}
