// Package pipeline runs one fetch: aggregate candidates from the configured
// providers, then persist them through intake.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/aggregator"
	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/events"
	"github.com/helixir/research-tracker/internal/intake"
	"github.com/helixir/research-tracker/internal/observability"
	"github.com/helixir/research-tracker/internal/papersources"
	"github.com/helixir/research-tracker/internal/repository"
)

// Request describes one fetch run.
type Request struct {
	Keywords        []string `json:"keywords" validate:"required,min=1,max=50,dive,required,max=200"`
	MaxPapers       int      `json:"max_papers" validate:"gte=0,lte=1000"`
	OneNewPaperOnly bool     `json:"one_new_paper_only"`
	RecentDays      int      `json:"recent_days,omitempty" validate:"gte=0,lte=365"`
}

// Result is the outcome of one fetch run.
type Result struct {
	RunID      string                     `json:"run_id"`
	Keywords   []aggregator.KeywordResult `json:"keywords"`
	Collected  int                        `json:"collected"`
	Candidates int                        `json:"candidates"`
	Inserted   int                        `json:"inserted"`
	Duplicate  int                        `json:"duplicate"`
	Failed     int                        `json:"failed"`
	Skipped    int                        `json:"skipped"`
	NewPapers  []*domain.PaperRecord      `json:"new_papers"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate trims keywords and checks the request bounds.
func (r *Request) Validate() error {
	keywords := make([]string, 0, len(r.Keywords))
	for _, kw := range r.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	r.Keywords = keywords

	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.NewValidationError(jsonField(fe.Namespace()), fmt.Sprintf("failed %s validation", fe.Tag()))
		}
		return domain.NewValidationError("request", err.Error())
	}
	return nil
}

// jsonField maps a validator namespace such as Request.Keywords[0] to the
// JSON name of the field.
func jsonField(namespace string) string {
	field := namespace
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	if i := strings.Index(field, "["); i >= 0 {
		field = field[:i]
	}
	switch field {
	case "Keywords":
		return "keywords"
	case "MaxPapers":
		return "max_papers"
	case "RecentDays":
		return "recent_days"
	}
	return strings.ToLower(field)
}

// Config holds the dependencies of a Runner.
type Config struct {
	Registry      *papersources.Registry
	ProviderOrder []string
	Store         repository.PaperStore
	Publisher     events.Publisher
	Metrics       *observability.Metrics
	// Parallel fans keywords out over this many goroutines; 0 or 1 is sequential.
	Parallel int
	// MaxResults is passed to every provider search; 0 uses adapter defaults.
	MaxResults int
	// CitationLookup fills citation counts of arXiv candidates; may be nil.
	CitationLookup aggregator.ArXivLookup
	// EnrichLimit caps citation lookups per run.
	EnrichLimit int
}

// Runner executes fetch runs.
type Runner struct {
	cfg    Config
	intake *intake.Pipeline
	logger zerolog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		intake: intake.New(cfg.Store, cfg.Publisher, cfg.Metrics, logger),
		logger: logger,
	}
}

// Fetch aggregates candidates for req and stores the new ones. Provider
// failures shrink the candidate list; only an invalid request, a missing
// provider or an unavailable store return an error.
func (r *Runner) Fetch(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	providers := r.cfg.Registry.Ordered(r.cfg.ProviderOrder)
	if len(providers) == 0 {
		return nil, domain.NewValidationError("aggregator.provider_order", "no enabled provider in the configured order")
	}

	runID := observability.NewRunID()
	logger := observability.WithRunContext(r.logger, runID)
	ctx = observability.WithRunID(ctx, runID)

	opts := []aggregator.Option{
		aggregator.WithSearchParams(papersources.SearchParams{MaxResults: r.cfg.MaxResults}),
	}
	if req.RecentDays > 0 {
		opts = append(opts, aggregator.WithRecent(papersources.Window{Days: req.RecentDays}))
	}
	if r.cfg.Parallel > 1 {
		opts = append(opts, aggregator.WithParallel(r.cfg.Parallel))
	}
	if r.cfg.CitationLookup != nil {
		opts = append(opts, aggregator.WithCitationEnrichment(r.cfg.CitationLookup, r.cfg.EnrichLimit))
	}
	if r.cfg.Metrics != nil {
		opts = append(opts, aggregator.WithMetrics(r.cfg.Metrics))
	}

	start := time.Now()
	logger.Info().
		Strs("keywords", req.Keywords).
		Int("max_papers", req.MaxPapers).
		Bool("one_new_paper_only", req.OneNewPaperOnly).
		Msg("fetch run started")

	agg := aggregator.New(logger, opts...).Aggregate(ctx, req.Keywords, providers, req.MaxPapers)

	result := &Result{
		RunID:      runID,
		Keywords:   agg.Keywords,
		Collected:  agg.Collected,
		Candidates: len(agg.Papers),
		NewPapers:  make([]*domain.PaperRecord, 0),
	}

	report, err := r.intake.Run(ctx, agg.Papers, intake.Options{OneNewPaperOnly: req.OneNewPaperOnly})
	if report != nil {
		result.Inserted = report.Inserted
		result.Duplicate = report.Duplicate
		result.Failed = report.Failed
		result.Skipped = report.Skipped
		result.NewPapers = report.NewPapers
	}
	if err != nil {
		logger.Error().Err(err).Msg("fetch run aborted")
		return result, err
	}

	logger.Info().
		Int("candidates", result.Candidates).
		Int("inserted", result.Inserted).
		Int("duplicate", result.Duplicate).
		Dur("elapsed", time.Since(start)).
		Msg("fetch run completed")

	return result, nil
}
