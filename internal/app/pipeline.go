package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/spendlens/spendlens/internal/analysis"
	"github.com/spendlens/spendlens/internal/classifier"
	"github.com/spendlens/spendlens/internal/expediency"
	jobmetrics "github.com/spendlens/spendlens/internal/jobs"
	"github.com/spendlens/spendlens/internal/transactions"
	"github.com/spendlens/spendlens/jobs"
)

// PipelineDeps are the process-scoped clients the analysis pipeline is built on.
type PipelineDeps struct {
	Config  *Config
	Store   transactions.Store
	Redis   redis.UniversalClient
	Queue   jobs.Enqueuer
	Metrics *jobmetrics.Metrics
	Logger  *slog.Logger
	// Generator overrides the Gemini client, mainly for tests.
	Generator classifier.Generator
}

// Pipeline bundles the analysis components shared by the API, the worker and
// the CLI.
type Pipeline struct {
	Classifier classifier.Classifier
	Scorer     *expediency.Scorer
	Dispatcher *analysis.Dispatcher
	Ledger     *analysis.CorrectionLedger
	Sweeper    *analysis.Sweeper
}

// NewPipeline wires the classifier backend selected by CLASSIFIER_BACKEND
// into the dispatcher, correction ledger and sweeper.
func NewPipeline(ctx context.Context, deps PipelineDeps) (*Pipeline, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, fmt.Errorf("app: pipeline: config required")
	}
	cls, err := NewClassifier(ctx, deps)
	if err != nil {
		return nil, err
	}
	scorer := expediency.NewScorer(deps.Store, deps.Metrics, deps.Logger)
	dispatcher := analysis.NewDispatcher(analysis.DispatcherConfig{
		Store:      deps.Store,
		Classifier: cls,
		Scorer:     scorer,
		Queue:      deps.Queue,
		Metrics:    deps.Metrics,
		Logger:     deps.Logger,
	})
	ledger := analysis.NewCorrectionLedger(analysis.LedgerConfig{
		Store:      deps.Store,
		Classifier: cls,
		Scorer:     scorer,
		Queue:      deps.Queue,
		Threshold:  cfg.RetrainThreshold,
		Metrics:    deps.Metrics,
		Logger:     deps.Logger,
	})
	sweeper := analysis.NewSweeper(deps.Store, dispatcher, cfg.ProcessingLease, cfg.SweepBatch, deps.Metrics, deps.Logger)
	return &Pipeline{
		Classifier: cls,
		Scorer:     scorer,
		Dispatcher: dispatcher,
		Ledger:     ledger,
		Sweeper:    sweeper,
	}, nil
}

// NewClassifier builds the backend named by CLASSIFIER_BACKEND over the shared
// Redis model store.
func NewClassifier(ctx context.Context, deps PipelineDeps) (classifier.Classifier, error) {
	store := classifier.NewModelStore(deps.Redis, "")
	switch deps.Config.ClassifierBackend {
	case classifier.BackendGemini:
		gen := deps.Generator
		if gen == nil {
			client, err := classifier.NewGenaiClient(ctx)
			if err != nil {
				return nil, err
			}
			gen = client.Models
		}
		return classifier.NewGemini(gen, store, deps.Config.GeminiModel, deps.Logger), nil
	case classifier.BackendBayes, "":
		return classifier.NewBayes(store, deps.Logger), nil
	default:
		return nil, fmt.Errorf("app: unknown classifier backend %q", deps.Config.ClassifierBackend)
	}
}
