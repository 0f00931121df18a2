package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
)

// Set is one embedded group of goose migrations.
type Set struct {
	// Name labels log lines, e.g. "postgres".
	Name    string
	Dialect string
	FS      fs.FS
	Dir     string
}

func (s Set) validate() error {
	if s.Name == "" {
		return errors.New("migration set name is required")
	}
	if s.Dialect == "" {
		return errors.New("migration dialect is required")
	}
	if s.FS == nil {
		return errors.New("migration filesystem is required")
	}
	if s.Dir == "" {
		return errors.New("migration directory is required")
	}
	return nil
}

// goose keeps its dialect, base filesystem and logger in package globals, so every
// migration run in the process goes through mu.
var mu sync.Mutex

type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func withGoose(log *slog.Logger, set Set, fn func() error) error {
	if err := set.validate(); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	goose.SetLogger(&slogGooseLogger{log: log.With("migrations", set.Name)})
	goose.SetBaseFS(set.FS)
	if err := goose.SetDialect(set.Dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn()
}

// Up applies every pending migration of set.
func Up(ctx context.Context, log *slog.Logger, db *sql.DB, set Set) error {
	log.Info("migrate: running migrations", "set", set.Name)
	err := withGoose(log, set, func() error {
		return goose.UpContext(ctx, db, set.Dir)
	})
	if err != nil {
		return fmt.Errorf("failed to run %s migrations: %w", set.Name, err)
	}
	log.Info("migrate: migrations completed", "set", set.Name)
	return nil
}

// Status logs the applied state of every migration of set.
func Status(ctx context.Context, log *slog.Logger, db *sql.DB, set Set) error {
	err := withGoose(log, set, func() error {
		return goose.StatusContext(ctx, db, set.Dir)
	})
	if err != nil {
		return fmt.Errorf("failed to read %s migration status: %w", set.Name, err)
	}
	return nil
}
