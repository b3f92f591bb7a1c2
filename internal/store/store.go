package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/trung0209/AI-SJU-Studio/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateGeneration(ctx context.Context, g *models.Generation) error
	MarkGenerationRunning(ctx context.Context, id uuid.UUID, promptID string) error
	CompleteGeneration(ctx context.Context, id uuid.UUID, images []string) error
	FailGeneration(ctx context.Context, id uuid.UUID, message string) error
	GetGeneration(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	GetGenerationByPromptID(ctx context.Context, promptID string) (*models.Generation, error)
	ListGenerations(ctx context.Context, filter GenerationFilter) ([]*models.Generation, error)
}

type GenerationFilter struct {
	Status string
	Limit  int
}
