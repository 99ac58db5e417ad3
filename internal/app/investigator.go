package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"event_spider/internal/classify"
	"event_spider/internal/db"
	"event_spider/internal/metrics"
	"event_spider/internal/models"
)

// CandidateSearcher finds the pages worth reading for a candidate.
type CandidateSearcher interface {
	Search(ctx context.Context, cand models.Candidate, existing []string, priority int, trail *models.Trail) ([]string, error)
}

// TextResolver turns a URL into page text.
type TextResolver interface {
	Resolve(ctx context.Context, pageURL string, priority int, trail *models.Trail) (string, error)
}

// PageClassifier decides how well a page matches a candidate.
type PageClassifier interface {
	Classify(ctx context.Context, pageURL, pageText string, cand models.Candidate, priority int, trail *models.Trail) (*classify.Classification, error)
	Model() string
}

// Investigator runs one candidate through search, page text and
// classification, and records the verdict.
type Investigator struct {
	repo             *db.Repository
	searcher         CandidateSearcher
	texts            TextResolver
	classifier       PageClassifier
	counters         *metrics.Counters
	logger           *slog.Logger
	confirmThreshold int
	retryErrors      bool
}

func NewInvestigator(repo *db.Repository, searcher CandidateSearcher, texts TextResolver, classifier PageClassifier,
	counters *metrics.Counters, logger *slog.Logger, confirmThreshold int, retryErrors bool) *Investigator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Investigator{
		repo:             repo,
		searcher:         searcher,
		texts:            texts,
		classifier:       classifier,
		counters:         counters,
		logger:           logger,
		confirmThreshold: confirmThreshold,
		retryErrors:      retryErrors,
	}
}

type tally struct {
	confirms  int
	promising int
	errors    int
	months    []string
	sources   []models.EventSource
	pages     []*models.PageAnalysis
}

func (t *tally) addMonth(month string) {
	if month == "" {
		return
	}
	for _, m := range t.months {
		if m == month {
			return
		}
	}
	t.months = append(t.months, month)
}

// Investigate returns the finished investigation. A finished one is returned
// untouched unless retryErrors is set and it ended in errors. A cancelled
// context leaves the record in status created so the next run resumes it.
func (iv *Investigator) Investigate(ctx context.Context, cand models.Candidate, priority int) (inv *models.Investigation, err error) {
	if err := cand.Validate(); err != nil {
		return nil, err
	}
	model := iv.classifier.Model()
	inv, created, err := iv.repo.StartInvestigation(ctx, cand.SubmissionID, model)
	if err != nil {
		return nil, fmt.Errorf("start investigation %s: %w", cand.SubmissionID, err)
	}

	trail := models.NewTrail(iv.logger.With("submission", cand.SubmissionID, "event", cand.Name), inv.Steps)
	switch {
	case created:
		trail.Addf("Starting investigation of %s in %s, %s", cand.Name, cand.City, cand.State)
	case !inv.Terminal():
		trail.Addf("Resuming investigation of %s", cand.Name)
	case iv.retryErrors && inv.Status == models.InvestigationErrors:
		trail.Addf("Retrying investigation that ended in errors")
		inv.Status = models.InvestigationCreated
		inv.FinishedAt = 0
	default:
		iv.logger.Info("Investigation already finished", "submission", cand.SubmissionID, "status", inv.Status)
		inv.Pages, err = iv.pagesFor(ctx, inv)
		return inv, err
	}

	defer func() {
		if r := recover(); r != nil {
			trail.Addf("Investigation crashed: %v", r)
			iv.logger.Error("investigation panic", "submission", cand.SubmissionID, "stack", string(debug.Stack()))
			inv, err = iv.finish(context.WithoutCancel(ctx), inv, cand, models.InvestigationErrors, nil, trail)
		}
	}()

	t, runErr := iv.run(ctx, inv, cand, priority, trail)
	if runErr != nil {
		if ctx.Err() != nil || errors.Is(runErr, context.Canceled) {
			inv.Steps = trail.Steps()
			if saveErr := iv.repo.SaveInvestigation(context.WithoutCancel(ctx), inv); saveErr != nil {
				iv.logger.Error("save interrupted investigation", "submission", cand.SubmissionID, "error", saveErr)
			}
			return inv, runErr
		}
		trail.Addf("Investigation error: %v", runErr)
		return iv.finish(ctx, inv, cand, models.InvestigationErrors, t, trail)
	}
	return iv.finish(ctx, inv, cand, iv.verdict(t, trail), t, trail)
}

func (iv *Investigator) run(ctx context.Context, inv *models.Investigation, cand models.Candidate, priority int, trail *models.Trail) (*tally, error) {
	t := &tally{}
	urls, err := iv.searcher.Search(ctx, cand, inv.URLs, priority, trail)
	if err != nil {
		if ctx.Err() != nil {
			return t, err
		}
		trail.Addf("Search failed: %v", err)
		t.errors++
	}
	inv.URLs = urls
	inv.Steps = trail.Steps()
	if err := iv.repo.SaveInvestigation(ctx, inv); err != nil {
		return t, err
	}

	stopped := false
	for i, pageURL := range urls {
		page, err := iv.repo.StartPageAnalysis(ctx, cand.SubmissionID, inv.Model, pageURL)
		if err != nil {
			return t, err
		}

		if stopped {
			if page.Status != models.PageMoot {
				page.Status = models.PageMoot
				page.FinishedAt = iv.repo.Now()
				if err := iv.repo.SavePageAnalysis(ctx, page); err != nil {
					return t, err
				}
			}
			t.pages = append(t.pages, page)
			continue
		}

		page, err = iv.analyzePage(ctx, cand, page, i, priority, trail)
		if err != nil {
			return t, err
		}
		t.pages = append(t.pages, page)
		if err := iv.record(ctx, t, cand, page, trail); err != nil {
			return t, err
		}

		if t.confirms+t.promising >= iv.confirmThreshold {
			trail.Addf("Enough confirmations (%d confirmed, %d promising), skipping the rest", t.confirms, t.promising)
			stopped = true
		}
	}
	return t, nil
}

// analyzePage reuses a finished page analysis or produces a new one.
func (iv *Investigator) analyzePage(ctx context.Context, cand models.Candidate, page *models.PageAnalysis, index, priority int, trail *models.Trail) (*models.PageAnalysis, error) {
	reusable := page.Terminal() && page.Status != models.PageMoot &&
		!(iv.retryErrors && page.Status == models.PageErrors)
	if reusable {
		trail.Addf("Page %d already analyzed: %s is %s (matchness %d)", index, page.URL, page.Status, page.Matchness)
		return page, nil
	}

	pageTrail := trail.Child(page.Steps, "url", page.URL)
	pageTrail.Addf("Analyzing page %d: %s", index, page.URL)

	text, err := iv.texts.Resolve(ctx, page.URL, priority, pageTrail)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, err
		}
		pageTrail.Addf("No page text: %v", err)
		return iv.finishPage(ctx, page, models.PageErrors, 0, nil, pageTrail)
	}

	result, err := iv.classifier.Classify(ctx, page.URL, text, cand, priority, pageTrail)
	if err != nil {
		return nil, err
	}
	if result.Status == classify.StatusErrors {
		pageTrail.Addf("Classification errors: %s", result.Reason)
		return iv.finishPage(ctx, page, models.PageErrors, result.Matchness, result.Analysis, pageTrail)
	}

	status := models.PageRejected
	switch result.Matchness {
	case classify.MatchSameCity:
		status = models.PageConfirmed
	case classify.MatchNotEvent, classify.MatchOtherEvent, classify.MatchAnywhere, classify.MatchSameState, classify.MatchMultiple:
	default:
		pageTrail.Addf("Unrecognized matchness %d", result.Matchness)
		status = models.PageErrors
	}
	return iv.finishPage(ctx, page, status, result.Matchness, result.Analysis, pageTrail)
}

func (iv *Investigator) finishPage(ctx context.Context, page *models.PageAnalysis, status string, matchness int, analysis *models.Analysis, trail *models.Trail) (*models.PageAnalysis, error) {
	page.Status = status
	page.Matchness = matchness
	page.Analysis = analysis
	page.Steps = trail.Steps()
	page.FinishedAt = iv.repo.Now()
	if err := iv.repo.SavePageAnalysis(ctx, page); err != nil {
		return nil, fmt.Errorf("save page analysis %s: %w", page.ID, err)
	}
	return page, nil
}

// record folds one page into the tally. Pages about the same event in
// another place become new submissions.
func (iv *Investigator) record(ctx context.Context, t *tally, cand models.Candidate, page *models.PageAnalysis, trail *models.Trail) error {
	switch page.Status {
	case models.PageErrors:
		t.errors++
	case models.PageConfirmed:
		t.confirms++
		if page.Analysis.Promising() {
			t.promising++
		}
		source := models.EventSource{URL: page.URL}
		if page.Analysis != nil {
			t.addMonth(page.Analysis.Month)
			source.Summary = page.Analysis.Summary
		}
		t.sources = append(t.sources, source)
	case models.PageRejected:
		if page.Matchness == classify.MatchAnywhere || page.Matchness == classify.MatchSameState {
			return iv.discover(ctx, cand, page, trail)
		}
	}
	return nil
}

func (iv *Investigator) discover(ctx context.Context, cand models.Candidate, page *models.PageAnalysis, trail *models.Trail) error {
	a := page.Analysis
	if a == nil || a.Name == "" || a.City == "" || a.State == "" {
		return nil
	}
	id, err := iv.repo.AddSubmission(ctx, models.Submission{
		Name:          a.Name,
		City:          a.City,
		State:         a.State,
		URL:           page.URL,
		Description:   a.Summary,
		Status:        models.SubmissionCreated,
		InspirationID: cand.SubmissionID,
	})
	if err != nil {
		return fmt.Errorf("add discovered submission: %w", err)
	}
	if id != "" {
		iv.counters.Discovery()
		trail.Addf("Discovered other event %s in %s, %s (submission %s)", a.Name, a.City, a.State, id)
	}
	return nil
}

func (iv *Investigator) verdict(t *tally, trail *models.Trail) string {
	switch {
	case t.confirms > 0:
		return models.InvestigationConfirmed
	case t.errors > 0:
		trail.Addf("No confirmations and %d errors", t.errors)
		return models.InvestigationErrors
	default:
		trail.Addf("No confirmations, candidate is probably not real")
		return models.InvestigationFailed
	}
}

func (iv *Investigator) finish(ctx context.Context, inv *models.Investigation, cand models.Candidate, status string, t *tally, trail *models.Trail) (*models.Investigation, error) {
	if t == nil {
		t = &tally{}
	}
	inv.Status = status
	inv.NumConfirms = t.confirms
	inv.NumPromising = t.promising
	inv.NumErrors = t.errors
	inv.Month = ""
	if len(t.months) == 1 {
		inv.Month = t.months[0]
	}

	if status == models.InvestigationConfirmed {
		event := &models.Event{
			SubmissionID: inv.SubmissionID,
			Name:         cand.Name,
			City:         cand.City,
			State:        cand.State,
			Month:        inv.Month,
			Sources:      t.sources,
		}
		if err := iv.repo.SaveEvent(ctx, event); err != nil {
			return inv, fmt.Errorf("save event: %w", err)
		}
		inv.EventID = event.ID
		trail.Addf("Confirmed with %d pages (%d promising), month %q, event %s", t.confirms, t.promising, inv.Month, event.ID)
	}

	inv.Steps = trail.Steps()
	inv.FinishedAt = iv.repo.Now()
	inv.Pages = t.pages
	if err := iv.repo.SaveInvestigation(ctx, inv); err != nil {
		return inv, fmt.Errorf("save investigation %s: %w", inv.ID, err)
	}
	iv.counters.Verdict(status)
	return inv, nil
}

// pagesFor loads the page analyses of a finished investigation in URL order.
func (iv *Investigator) pagesFor(ctx context.Context, inv *models.Investigation) ([]*models.PageAnalysis, error) {
	stored, err := iv.repo.ListPageAnalyses(ctx, inv.SubmissionID, inv.Model)
	if err != nil {
		return nil, err
	}
	byURL := make(map[string]*models.PageAnalysis, len(stored))
	for _, page := range stored {
		byURL[page.URL] = page
	}
	pages := make([]*models.PageAnalysis, 0, len(inv.URLs))
	for _, u := range inv.URLs {
		if page, ok := byURL[u]; ok {
			pages = append(pages, page)
		}
	}
	return pages, nil
}
