package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jbrukh/bayesian"
)

// BackendBayes names the naive Bayes backend.
const BackendBayes = "bayes"

// Bayes is a naive Bayes classifier over Features.Tokens. Every Fit rebuilds
// the model from the whole retained corpus; Predict reloads whenever another
// process committed a newer revision.
type Bayes struct {
	store *ModelStore
	log   *slog.Logger

	mu      sync.RWMutex
	model   *bayesian.Classifier
	version int64
}

// NewBayes constructs the backend over a model store.
func NewBayes(store *ModelStore, logger *slog.Logger) *Bayes {
	return &Bayes{store: store, log: logger}
}

var _ Classifier = (*Bayes)(nil)

func (b *Bayes) logger() *slog.Logger {
	if b.log != nil {
		return b.log
	}
	return slog.Default()
}

// Predict returns the most likely category.
func (b *Bayes) Predict(ctx context.Context, features Features) (string, error) {
	model, err := b.current(ctx)
	if err != nil {
		return "", err
	}
	_, best, _ := model.LogScores(features.Tokens())
	return string(model.Classes[best]), nil
}

// Fit appends rows to the corpus and retrains from scratch. Rows whose source
// is already in the corpus were fitted by an earlier commit and are skipped.
func (b *Bayes) Fit(ctx context.Context, rows []TrainingRow) error {
	if err := validateRows(rows); err != nil {
		return err
	}
	rows, err := b.store.Fresh(ctx, BackendBayes, rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		b.logger().Info("bayes fit skipped, rows already in corpus")
		return nil
	}
	corpus, err := b.store.Examples(ctx, BackendBayes, 0)
	if err != nil {
		return err
	}
	corpus = append(corpus, rows...)
	model, err := train(corpus)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := model.WriteTo(&buf); err != nil {
		return fmt.Errorf("classifier: encode model: %w", err)
	}
	version, err := b.store.Commit(ctx, BackendBayes, rows, buf.Bytes())
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.model, b.version = model, version
	b.mu.Unlock()

	b.logger().Info("bayes model fitted",
		slog.Int64("version", version),
		slog.Int("rows", len(rows)),
		slog.Int("corpus", len(corpus)),
		slog.Int("classes", len(model.Classes)))
	return nil
}

func (b *Bayes) current(ctx context.Context) (*bayesian.Classifier, error) {
	version, err := b.store.Version(ctx, BackendBayes)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	model, loaded := b.model, b.version
	b.mu.RUnlock()
	if model != nil && loaded == version {
		return model, nil
	}
	if version == 0 {
		return nil, ErrNotTrained
	}

	snap, err := b.store.Load(ctx, BackendBayes)
	if err != nil {
		return nil, err
	}
	fresh, err := bayesian.NewClassifierFromReader(bytes.NewReader(snap.Blob))
	if err != nil {
		return nil, fmt.Errorf("classifier: decode model: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.model == nil || b.version < snap.Version {
		b.model, b.version = fresh, snap.Version
	}
	return b.model, nil
}

func train(rows []TrainingRow) (*bayesian.Classifier, error) {
	categories := distinctCategories(rows)
	if len(categories) < 2 {
		return nil, fmt.Errorf("%w: have %d", ErrTooFewClasses, len(categories))
	}
	sort.Strings(categories)
	classes := make([]bayesian.Class, len(categories))
	for i, c := range categories {
		classes[i] = bayesian.Class(c)
	}
	model, err := newClassifier(classes)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		model.Learn(row.Tokens(), bayesian.Class(row.Category))
	}
	return model, nil
}

// newClassifier converts the library's constructor panics into errors.
func newClassifier(classes []bayesian.Class) (model *bayesian.Classifier, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(ErrTooFewClasses, fmt.Errorf("classifier: %v", r))
		}
	}()
	return bayesian.NewClassifier(classes...), nil
}
