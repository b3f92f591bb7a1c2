package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trung0209/AI-SJU-Studio/pkg/models"
)

const generationColumns = `id, client_id, prompt_id, seed, positive_prompt, negative_prompt,
	status, images, error_message, created_at, updated_at, completed_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateGeneration(ctx context.Context, g *models.Generation) error {
	images := g.Images
	if images == nil {
		images = []string{}
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO generations (id, client_id, prompt_id, seed, positive_prompt, negative_prompt, status, images)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		g.ID, g.ClientID, g.PromptID, g.Seed, g.PositivePrompt, g.NegativePrompt, g.Status, images,
	).Scan(&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create generation: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkGenerationRunning(ctx context.Context, id uuid.UUID, promptID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generations SET status = $2, prompt_id = $3, updated_at = NOW() WHERE id = $1`,
		id, models.GenerationStatusRunning, promptID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("mark generation running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CompleteGeneration(ctx context.Context, id uuid.UUID, images []string) error {
	if images == nil {
		images = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE generations SET status = $2, images = $3, updated_at = NOW(), completed_at = NOW()
		 WHERE id = $1`,
		id, models.GenerationStatusCompleted, images)
	if err != nil {
		return fmt.Errorf("complete generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FailGeneration(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generations SET status = $2, error_message = $3, updated_at = NOW(), completed_at = NOW()
		 WHERE id = $1`,
		id, models.GenerationStatusFailed, message)
	if err != nil {
		return fmt.Errorf("fail generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetGeneration(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	return scanGeneration(row)
}

func (s *PostgresStore) GetGenerationByPromptID(ctx context.Context, promptID string) (*models.Generation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE prompt_id = $1`, promptID)
	return scanGeneration(row)
}

func (s *PostgresStore) ListGenerations(ctx context.Context, filter GenerationFilter) ([]*models.Generation, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT ` + generationColumns + ` FROM generations`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` WHERE status = $1`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var out []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(&g.ID, &g.ClientID, &g.PromptID, &g.Seed, &g.PositivePrompt, &g.NegativePrompt,
		&g.Status, &g.Images, &g.ErrorMessage, &g.CreatedAt, &g.UpdatedAt, &g.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan generation: %w", err)
	}
	return &g, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
