package langstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool. Callers run Migrate first.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const (
	upsertLanguageSQL = `
INSERT INTO conversation_languages (conversation_id, language, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (conversation_id)
DO UPDATE SET language = EXCLUDED.language, updated_at = now()`

	selectLanguageSQL = `SELECT language FROM conversation_languages WHERE conversation_id = $1`
)

func (s *PostgresStore) SetLanguage(ctx context.Context, conversationID, language string) error {
	if err := validate(conversationID, language); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, upsertLanguageSQL, conversationID, language); err != nil {
		return fmt.Errorf("upsert language: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLanguage(ctx context.Context, conversationID string) (string, error) {
	if err := validateID(conversationID); err != nil {
		return "", err
	}
	var lang string
	err := s.pool.QueryRow(ctx, selectLanguageSQL, conversationID).Scan(&lang)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("select language: %w", err)
	}
	return lang, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
