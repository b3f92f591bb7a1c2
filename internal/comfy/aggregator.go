package comfy

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

const defaultFetchConcurrency = 4

// HistoryReader is the subset of Client the aggregator needs.
type HistoryReader interface {
	FetchHistory(ctx context.Context, id PromptID) (*HistoryRecord, error)
	FetchArtifactBytes(ctx context.Context, ref ImageRef) ([]byte, error)
}

// FetchObserver is told about every artifact fetch; err is nil on success.
type FetchObserver func(ctx context.Context, nodeID string, ref ImageRef, err error)

// Aggregator turns a finished prompt into an OutputCollection.
type Aggregator struct {
	client      HistoryReader
	logger      *slog.Logger
	concurrency int
	observe     FetchObserver
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l }
}

// WithConcurrency sets how many node groups are fetched at once. 1 fetches
// everything sequentially.
func WithConcurrency(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithFetchObserver registers a per-artifact callback. It may be called
// from several goroutines at once.
func WithFetchObserver(fn FetchObserver) AggregatorOption {
	return func(a *Aggregator) { a.observe = fn }
}

// NewAggregator creates a new Aggregator.
func NewAggregator(client HistoryReader, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		client:      client,
		logger:      slog.Default(),
		concurrency: defaultFetchConcurrency,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CollectOutputs fetches every image listed in the prompt's history.
//
// A missing record or a record without outputs gives an empty collection and
// no error. Failed artifact fetches are logged and skipped; a node appears in
// the result only if at least one of its artifacts was fetched. Each group
// keeps manifest order. ErrHistoryUnavailable and context errors are returned.
func (a *Aggregator) CollectOutputs(ctx context.Context, id PromptID) (OutputCollection, error) {
	rec, err := a.client.FetchHistory(ctx, id)
	if errors.Is(err, ErrHistoryIncomplete) {
		a.logger.WarnContext(ctx, "history has no record for prompt", "prompt_id", id)
		return OutputCollection{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(rec.Outputs) == 0 {
		a.logger.InfoContext(ctx, "no outputs in history", "prompt_id", id)
		return OutputCollection{}, nil
	}

	// One slot per manifest entry so groups can be filled concurrently and
	// read back in manifest order.
	slots := make(map[string][][]byte, len(rec.Outputs))
	for nodeID, out := range rec.Outputs {
		if len(out.Images) == 0 {
			continue
		}
		slots[nodeID] = make([][]byte, len(out.Images))
	}

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for nodeID, group := range slots {
		refs := rec.Outputs[nodeID].Images
		g.Go(func() error {
			a.fetchGroup(ctx, id, nodeID, refs, group)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := OutputCollection{}
	for nodeID, group := range slots {
		refs := rec.Outputs[nodeID].Images
		var artifacts []Artifact
		for i, data := range group {
			if data == nil {
				continue
			}
			artifacts = append(artifacts, Artifact{NodeID: nodeID, Index: i, Ref: refs[i], Data: data})
		}
		if len(artifacts) == 0 {
			a.logger.WarnContext(ctx, "no images retrieved for node", "prompt_id", id, "node", nodeID)
			continue
		}
		out[nodeID] = artifacts
	}
	return out, nil
}

func (a *Aggregator) fetchGroup(ctx context.Context, id PromptID, nodeID string, refs []ImageRef, dst [][]byte) {
	for i, ref := range refs {
		data, err := a.client.FetchArtifactBytes(ctx, ref)
		if err == nil && data == nil {
			data = []byte{}
		}
		if a.observe != nil {
			a.observe(ctx, nodeID, ref, err)
		}
		if err != nil {
			a.logger.WarnContext(ctx, "artifact fetch failed, skipping",
				"prompt_id", id, "node", nodeID, "filename", ref.Filename, "error", err)
			continue
		}
		a.logger.DebugContext(ctx, "artifact retrieved",
			"prompt_id", id, "node", nodeID, "filename", ref.Filename, "bytes", len(data))
		dst[i] = data
	}
}
