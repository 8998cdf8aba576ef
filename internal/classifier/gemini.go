package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"google.golang.org/genai"
)

const (
	// BackendGemini names the LLM backend.
	BackendGemini = "gemini"
	// DefaultGeminiModel is used when no model is configured.
	DefaultGeminiModel = "gemini-2.5-flash"

	promptExamples = 60
)

// Generator is the subset of genai.Models the backend calls.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini classifies with few-shot prompting. Fit only extends the example
// corpus; the label set is whatever users have corrected to so far.
type Gemini struct {
	gen   Generator
	store *ModelStore
	model string
	log   *slog.Logger

	mu       sync.RWMutex
	version  int64
	examples []TrainingRow
}

// NewGemini constructs the backend. client.Models satisfies Generator.
func NewGemini(gen Generator, store *ModelStore, model string, logger *slog.Logger) *Gemini {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{gen: gen, store: store, model: model, log: logger}
}

// NewGenaiClient builds the process-scoped Gemini client. Credentials come from
// the GOOGLE_API_KEY or Vertex AI environment variables.
func NewGenaiClient(ctx context.Context) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("classifier: create genai client: %w", err)
	}
	return client, nil
}

var _ Classifier = (*Gemini)(nil)

func (g *Gemini) logger() *slog.Logger {
	if g.log != nil {
		return g.log
	}
	return slog.Default()
}

// Predict asks the model for one of the known categories.
func (g *Gemini) Predict(ctx context.Context, features Features) (string, error) {
	examples, err := g.current(ctx)
	if err != nil {
		return "", err
	}
	categories := distinctCategories(examples)
	sort.Strings(categories)

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: buildPrompt(categories, examples, features)}},
	}}
	resp, err := g.gen.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("classifier: generate content: %w", err)
	}
	label, ok := matchCategory(resp.Text(), categories)
	if !ok {
		g.logger().Warn("gemini returned unknown category", slog.String("raw", resp.Text()))
		return "", fmt.Errorf("%w: unknown label %q", ErrClassification, strings.TrimSpace(resp.Text()))
	}
	return label, nil
}

// Fit stores rows as prompt examples.
func (g *Gemini) Fit(ctx context.Context, rows []TrainingRow) error {
	if err := validateRows(rows); err != nil {
		return err
	}
	rows, err := g.store.Fresh(ctx, BackendGemini, rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	version, err := g.store.Commit(ctx, BackendGemini, rows, nil)
	if err != nil {
		return err
	}
	g.logger().Info("gemini examples extended", slog.Int64("version", version), slog.Int("rows", len(rows)))
	return nil
}

func (g *Gemini) current(ctx context.Context) ([]TrainingRow, error) {
	version, err := g.store.Version(ctx, BackendGemini)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, ErrNotTrained
	}
	g.mu.RLock()
	examples, loaded := g.examples, g.version
	g.mu.RUnlock()
	if loaded == version {
		return examples, nil
	}
	examples, err = g.store.Examples(ctx, BackendGemini, promptExamples)
	if err != nil {
		return nil, err
	}
	if len(examples) == 0 {
		return nil, ErrNotTrained
	}
	g.mu.Lock()
	g.examples, g.version = examples, version
	g.mu.Unlock()
	return examples, nil
}

func describe(f Features) string {
	direction, amount := "withdrawal", f.Withdraw
	if f.Deposit.IsPositive() {
		direction, amount = "deposit", f.Deposit
	}
	return fmt.Sprintf("entry %s (%s), receipt %s, %s %s, balance after %s",
		f.EntryDate.Format("2006-01-02"), f.EntryDate.Weekday(), f.ReceiptDate.Format("2006-01-02"),
		direction, amount.StringFixed(2), f.Balance.StringFixed(2))
}

func buildPrompt(categories []string, examples []TrainingRow, target Features) string {
	var b strings.Builder
	b.WriteString("You categorize bank transactions for a single account holder.\n")
	b.WriteString("Answer with EXACTLY one category name from this list and nothing else:\n")
	for _, c := range categories {
		b.WriteString("- " + c + "\n")
	}
	b.WriteString("\nLabelled examples:\n")
	for _, ex := range examples {
		b.WriteString(describe(ex.Features) + " => " + ex.Category + "\n")
	}
	b.WriteString("\nTransaction to categorize:\n")
	b.WriteString(describe(target) + " =>")
	return b.String()
}

// matchCategory maps a model answer onto a known category, case-insensitively.
func matchCategory(raw string, categories []string) (string, bool) {
	answer := strings.TrimSpace(raw)
	if line, _, ok := strings.Cut(answer, "\n"); ok {
		answer = line
	}
	answer = strings.Trim(answer, " \t\"'`.*-")
	for _, c := range categories {
		if strings.EqualFold(answer, c) {
			return c, true
		}
	}
	return "", false
}
