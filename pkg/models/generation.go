package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	GenerationStatusPending   = "pending"
	GenerationStatusRunning   = "running"
	GenerationStatusCompleted = "completed"
	GenerationStatusFailed    = "failed"
)

// Generation tracks one POST /generate request from acceptance to saved
// images. PromptID is set once the remote service has queued the prompt.
type Generation struct {
	ID             uuid.UUID  `db:"id"              json:"id"`
	ClientID       string     `db:"client_id"       json:"client_id"`
	PromptID       *string    `db:"prompt_id"       json:"prompt_id,omitempty"`
	Seed           int64      `db:"seed"            json:"seed"`
	PositivePrompt string     `db:"positive_prompt" json:"positive_prompt"`
	NegativePrompt string     `db:"negative_prompt" json:"negative_prompt"`
	Status         string     `db:"status"          json:"status"`
	Images         []string   `db:"images"          json:"images"`
	ErrorMessage   *string    `db:"error_message"   json:"error_message,omitempty"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"      json:"updated_at"`
	CompletedAt    *time.Time `db:"completed_at"    json:"completed_at,omitempty"`
}
