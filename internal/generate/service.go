// Package generate runs one text-to-image request end to end: bind the
// workflow template, submit it, wait for the prompt to finish, then fetch
// and persist its images.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/trung0209/AI-SJU-Studio/internal/artifacts"
	"github.com/trung0209/AI-SJU-Studio/internal/cache"
	"github.com/trung0209/AI-SJU-Studio/internal/comfy"
	"github.com/trung0209/AI-SJU-Studio/internal/observability"
	"github.com/trung0209/AI-SJU-Studio/internal/session"
	"github.com/trung0209/AI-SJU-Studio/internal/store"
	"github.com/trung0209/AI-SJU-Studio/internal/workflow"
	"github.com/trung0209/AI-SJU-Studio/pkg/models"
)

const (
	statusTTL                = 30 * time.Minute
	defaultCompletionTimeout = 10 * time.Minute
	defaultImagePrefix       = "images"
)

var (
	// ErrInvalidRequest is returned for requests rejected before any remote call.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrNoOutputs means the prompt finished but no image could be retrieved.
	ErrNoOutputs = errors.New("no images were generated")
)

// Request holds the caller supplied parameters. A nil Seed picks a random one.
type Request struct {
	PositivePrompt string
	NegativePrompt string
	Seed           *int64
}

// Result is the outcome of a successful generation.
type Result struct {
	GenerationID uuid.UUID
	PromptID     comfy.PromptID
	Seed         int64
	// Images are URL paths relative to the server root, e.g. images/6-42-0.png.
	Images []string
	Saved  []artifacts.Saved
}

// Saver persists fetched artifacts.
type Saver interface {
	Save(ctx context.Context, c comfy.OutputCollection, seed int64) ([]artifacts.Saved, error)
}

// StreamDialer opens the event stream for one generation.
type StreamDialer func(ctx context.Context, streamURL string) (comfy.EventSource, error)

// Config carries the static settings of a Service.
type Config struct {
	StreamURL         string
	TemplatePath      string
	Bindings          workflow.Bindings
	CompletionTimeout time.Duration
	FetchConcurrency  int
	ImagePrefix       string
}

// Service orchestrates generations against one remote service.
type Service struct {
	client     comfy.Client
	identity   session.Identity
	saver      Saver
	cfg        Config
	aggregator *comfy.Aggregator

	store   store.Store
	cache   cache.Cache
	metrics *observability.Metrics
	dial    StreamDialer
	logger  *slog.Logger
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithStore records every generation in s.
func WithStore(s store.Store) Option {
	return func(svc *Service) { svc.store = s }
}

// WithCache publishes generation status by prompt id.
func WithCache(c cache.Cache) Option {
	return func(svc *Service) { svc.cache = c }
}

// WithMetrics reports generation outcomes and artifact fetches to m.
func WithMetrics(m *observability.Metrics) Option {
	return func(svc *Service) { svc.metrics = m }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d StreamDialer) Option {
	return func(svc *Service) { svc.dial = d }
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// NewService creates a new Service.
func NewService(client comfy.Client, identity session.Identity, saver Saver, cfg Config, opts ...Option) *Service {
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = defaultCompletionTimeout
	}
	if cfg.ImagePrefix == "" {
		cfg.ImagePrefix = defaultImagePrefix
	}

	s := &Service{
		client:   client,
		identity: identity,
		saver:    saver,
		cfg:      cfg,
		dial:     dialStream,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.aggregator = comfy.NewAggregator(client,
		comfy.WithLogger(s.logger),
		comfy.WithConcurrency(cfg.FetchConcurrency),
		comfy.WithFetchObserver(func(ctx context.Context, nodeID string, _ comfy.ImageRef, err error) {
			s.metrics.RecordArtifactFetch(ctx, nodeID, err == nil)
		}),
	)
	return s
}

func dialStream(ctx context.Context, streamURL string) (comfy.EventSource, error) {
	st, err := comfy.Dial(ctx, streamURL)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Generate runs one generation and blocks until its images are saved.
func (s *Service) Generate(ctx context.Context, req Request) (result *Result, err error) {
	if strings.TrimSpace(req.PositivePrompt) == "" {
		return nil, fmt.Errorf("%w: positive_prompt is required", ErrInvalidRequest)
	}

	seed := workflow.RandomSeed()
	if req.Seed != nil {
		if *req.Seed < 0 {
			return nil, fmt.Errorf("%w: seed must not be negative", ErrInvalidRequest)
		}
		seed = *req.Seed
	}

	prompt, err := workflow.Load(s.cfg.TemplatePath)
	if err != nil {
		return nil, err
	}
	if err := workflow.Apply(prompt, s.cfg.Bindings, workflow.Params{
		PositivePrompt: req.PositivePrompt,
		NegativePrompt: req.NegativePrompt,
		Seed:           seed,
	}); err != nil {
		return nil, err
	}

	start := time.Now()
	s.metrics.RecordGenerationStarted(ctx)

	gen := s.createRecord(ctx, req, seed)
	var promptID comfy.PromptID
	defer func() {
		s.metrics.RecordGenerationFinished(context.WithoutCancel(ctx), outcome(err), time.Since(start).Seconds())
		if err != nil {
			s.fail(ctx, gen, promptID, err)
		}
	}()

	streamURL, err := s.identity.StreamURL(s.cfg.StreamURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", comfy.ErrConnectionFailed, err)
	}

	// The stream is opened before submitting so no event for the new prompt
	// can be missed.
	src, err := s.dial(ctx, streamURL)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	promptID, err = s.client.SubmitJob(ctx, prompt, s.identity.ClientID())
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "prompt queued", "prompt_id", promptID, "seed", seed)
	s.markRunning(ctx, gen, promptID)

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
	err = comfy.AwaitCompletion(waitCtx, src, promptID)
	cancel()
	_ = src.Close()
	if err != nil {
		return nil, err
	}

	outputs, err := s.aggregator.CollectOutputs(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if outputs.Count() == 0 {
		return nil, fmt.Errorf("%w: prompt %s", ErrNoOutputs, promptID)
	}

	saved, err := s.saver.Save(ctx, outputs, seed)
	if err != nil {
		return nil, fmt.Errorf("saving images: %w", err)
	}

	images := make([]string, 0, len(saved))
	for _, sv := range saved {
		images = append(images, path.Join(s.cfg.ImagePrefix, sv.Name))
	}

	s.complete(ctx, gen, promptID, images)
	s.logger.InfoContext(ctx, "generation completed",
		"prompt_id", promptID, "images", len(images), "duration_ms", time.Since(start).Milliseconds())

	res := &Result{
		PromptID: promptID,
		Seed:     seed,
		Images:   images,
		Saved:    saved,
	}
	if gen != nil {
		res.GenerationID = gen.ID
	}
	return res, nil
}

// createRecord stores a pending generation. Bookkeeping failures never fail
// the generation itself; a nil record disables further updates.
func (s *Service) createRecord(ctx context.Context, req Request, seed int64) *models.Generation {
	if s.store == nil {
		return nil
	}
	gen := &models.Generation{
		ID:             uuid.New(),
		ClientID:       s.identity.ClientID(),
		Seed:           seed,
		PositivePrompt: req.PositivePrompt,
		NegativePrompt: req.NegativePrompt,
		Status:         models.GenerationStatusPending,
	}
	if err := s.store.CreateGeneration(ctx, gen); err != nil {
		s.logger.WarnContext(ctx, "failed to record generation", "error", err)
		return nil
	}
	return gen
}

func (s *Service) markRunning(ctx context.Context, gen *models.Generation, id comfy.PromptID) {
	if gen != nil {
		if err := s.store.MarkGenerationRunning(ctx, gen.ID, string(id)); err != nil {
			s.logger.WarnContext(ctx, "failed to update generation", "prompt_id", id, "error", err)
		}
	}
	s.setStatus(ctx, id, models.GenerationStatusRunning)
}

func (s *Service) complete(ctx context.Context, gen *models.Generation, id comfy.PromptID, images []string) {
	if gen != nil {
		if err := s.store.CompleteGeneration(ctx, gen.ID, images); err != nil {
			s.logger.WarnContext(ctx, "failed to update generation", "prompt_id", id, "error", err)
		}
	}
	s.setStatus(ctx, id, models.GenerationStatusCompleted)
}

func (s *Service) fail(ctx context.Context, gen *models.Generation, id comfy.PromptID, cause error) {
	// The request context may already be done; bookkeeping still has to land.
	ctx = context.WithoutCancel(ctx)
	s.logger.ErrorContext(ctx, "generation failed", "prompt_id", id, "error", cause)
	if gen != nil {
		if err := s.store.FailGeneration(ctx, gen.ID, cause.Error()); err != nil {
			s.logger.WarnContext(ctx, "failed to update generation", "prompt_id", id, "error", err)
		}
	}
	if id != "" {
		s.setStatus(ctx, id, models.GenerationStatusFailed)
	}
}

func (s *Service) setStatus(ctx context.Context, id comfy.PromptID, status string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetGenerationStatus(ctx, string(id), status, statusTTL); err != nil {
		s.logger.WarnContext(ctx, "failed to cache generation status", "prompt_id", id, "error", err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNoOutputs):
		return "no_outputs"
	case errors.Is(err, comfy.ErrTimeout):
		return "timeout"
	case errors.Is(err, comfy.ErrExecutionFailed):
		return "execution_failed"
	case errors.Is(err, comfy.ErrSubmissionFailed):
		return "submission_failed"
	case errors.Is(err, comfy.ErrConnectionFailed):
		return "connection_failed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
