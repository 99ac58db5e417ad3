package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"event_spider/internal/classify"
	"event_spider/internal/config"
	"event_spider/internal/db"
	"event_spider/internal/llm"
	"event_spider/internal/metrics"
	"event_spider/internal/models"
	"event_spider/internal/pagetext"
	"event_spider/internal/search"
	"event_spider/internal/throttle"
	"event_spider/internal/utils"
	"event_spider/internal/workcache"

	"golang.org/x/sync/errgroup"
)

type SpiderApp struct {
	config       *config.SpiderConfig
	repo         *db.Repository
	investigator *Investigator
	counters     *metrics.Counters
	logger       *slog.Logger
	closers      []func() error
}

// RunSummary counts how the submissions of one run ended.
type RunSummary struct {
	mu          sync.Mutex
	Total       int
	Confirmed   int
	Failed      int
	Errors      int
	Interrupted int
}

func (s *RunSummary) add(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch status {
	case models.InvestigationConfirmed:
		s.Confirmed++
	case models.InvestigationFailed:
		s.Failed++
	case models.InvestigationErrors:
		s.Errors++
	default:
		s.Interrupted++
	}
}

// NewSpiderApp opens the store and builds every external client from cfg.
func NewSpiderApp(ctx context.Context, cfg *config.SpiderConfig) (*SpiderApp, error) {
	store, err := db.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	repo := db.NewRepository(store, cfg.DB)
	counters := metrics.New()
	logger := slog.Default()

	llmQueue := throttle.NewQueue("llm", cfg.Queues.LLM.MaxConcurrent, cfg.Queues.LLM.Interval())
	searchQueue := throttle.NewQueue("search", cfg.Queues.Search.MaxConcurrent, cfg.Queues.Search.Interval())
	fetchQueue := throttle.NewQueue("fetch", cfg.Queues.Fetch.MaxConcurrent, cfg.Queues.Fetch.Interval())
	closers := []func() error{
		func() error { llmQueue.Close(); return nil },
		func() error { searchQueue.Close(); return nil },
		func() error { fetchQueue.Close(); return nil },
	}
	fail := func(err error) (*SpiderApp, error) {
		closeAll(closers, logger)
		_ = repo.Close()
		return nil, err
	}

	cache := workcache.New(repo,
		workcache.WithRetryErrors(cfg.Logic.RetryErrors),
		workcache.WithCounters(counters),
		workcache.WithLogger(logger),
	)

	requester, err := llm.NewOpenAIRequester(cfg.LLM, llmQueue, counters)
	if err != nil {
		return fail(err)
	}
	provider, err := search.NewGoogleProvider(cfg.Search, searchQueue, counters)
	if err != nil {
		return fail(err)
	}

	timeout := time.Duration(cfg.Fetcher.TimeoutSec) * time.Second
	var fetcher pagetext.Fetcher
	switch cfg.Fetcher.Mode {
	case "process":
		pf, err := pagetext.StartProcessFetcher(ctx, cfg.Fetcher.Command, cfg.Fetcher.Args, cfg.Fetcher.ReadyLine, fetchQueue, counters)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pf.Close)
		fetcher = pf
	default:
		fetcher = pagetext.NewCollyFetcher(cfg.Logic.UserAgent, timeout, fetchQueue, counters)
	}

	var extractor pagetext.Extractor = pagetext.ReadabilityExtractor{}
	if cfg.Fetcher.Extractor == "command" {
		extractor = pagetext.CommandExtractor{
			Command: cfg.Fetcher.ExtractorCommand,
			Args:    cfg.Fetcher.ExtractorArgs,
			Timeout: timeout,
		}
	}

	resolver := pagetext.NewResolver(cache, fetcher, extractor, cfg.Fetcher.ScratchDir)
	prober := search.NewProber(cfg.Logic.UserAgent, time.Duration(cfg.Logic.ProbeTimeoutSec)*time.Second,
		cfg.Logic.RespectRobots, fetchQueue, counters)
	filter, err := utils.NewURLFilter(cfg.Search.ExcludePatterns)
	if err != nil {
		return fail(err)
	}
	searcher := search.NewSearcher(provider, cache, resolver, prober, cfg.Logic.MaxURLs, filter)
	classifier := classify.NewClassifier(requester, cache, cfg.Logic, cfg.LLM.OracleModel)
	investigator := NewInvestigator(repo, searcher, resolver, classifier, counters, logger,
		cfg.Logic.ConfirmThreshold, cfg.Logic.RetryErrors)

	return newSpiderApp(cfg, repo, investigator, counters, logger, closers), nil
}

func newSpiderApp(cfg *config.SpiderConfig, repo *db.Repository, investigator *Investigator,
	counters *metrics.Counters, logger *slog.Logger, closers []func() error) *SpiderApp {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpiderApp{
		config:       cfg,
		repo:         repo,
		investigator: investigator,
		counters:     counters,
		logger:       logger,
		closers:      closers,
	}
}

// Run investigates every submission matching filter, earlier submissions
// first in every queue. SIGINT or SIGTERM stops the run; unfinished work
// resumes on the next one.
func (s *SpiderApp) Run(ctx context.Context, filter db.SubmissionFilter) (*RunSummary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			s.logger.Warn("Received interrupt, finishing up", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	stopMetrics := s.serveMetrics()
	defer stopMetrics()

	subs, err := s.repo.ListSubmissions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	s.logger.Info("Starting investigations",
		"submissions", len(subs),
		"status_filter", filter.Status,
		"max_concurrent_candidates", s.config.Logic.MaxConcurrentCandidates,
		"retry_errors", s.config.Logic.RetryErrors,
	)

	summary := &RunSummary{Total: len(subs)}
	var g errgroup.Group
	if limit := s.config.Logic.MaxConcurrentCandidates; limit > 0 {
		g.SetLimit(limit)
	}
	for i, sub := range subs {
		if ctx.Err() != nil {
			summary.add("")
			continue
		}
		priority := -i
		sub := sub
		g.Go(func() error {
			s.investigate(ctx, sub, priority, summary)
			return nil
		})
	}
	_ = g.Wait()

	s.counters.LogSummary(s.logger)
	s.logger.Info("Run finished",
		"total", summary.Total,
		"confirmed", summary.Confirmed,
		"failed", summary.Failed,
		"errors", summary.Errors,
		"interrupted", summary.Interrupted,
	)
	return summary, ctx.Err()
}

// investigate never fails the run: one candidate's problems stay with that
// candidate.
func (s *SpiderApp) investigate(ctx context.Context, sub *models.Submission, priority int, summary *RunSummary) {
	logger := s.logger.With("submission", sub.ID, "event", sub.Name)
	inv, err := s.investigator.Investigate(ctx, sub.Candidate(), priority)
	switch {
	case err != nil && ctx.Err() != nil:
		logger.Info("Investigation interrupted, will resume next run")
		summary.add("")
		return
	case errors.Is(err, models.ErrFatal):
		logger.Error("Cannot investigate submission", "error", err)
		summary.add(models.InvestigationErrors)
		s.setStatus(ctx, logger, sub.ID, models.SubmissionErrors)
		return
	case err != nil:
		logger.Error("Investigation failed", "error", err)
	}
	if inv == nil || !inv.Terminal() {
		summary.add("")
		return
	}

	summary.add(inv.Status)
	logger.Info("Investigation finished",
		"status", inv.Status,
		"confirms", inv.NumConfirms,
		"promising", inv.NumPromising,
		"errors", inv.NumErrors,
		"month", inv.Month,
	)
	s.setStatus(ctx, logger, sub.ID, inv.Status)
}

func (s *SpiderApp) setStatus(ctx context.Context, logger *slog.Logger, id, status string) {
	if err := s.repo.UpdateSubmissionStatus(ctx, id, status); err != nil {
		logger.Error("Cannot update submission status", "status", status, "error", err)
	}
}

func (s *SpiderApp) serveMetrics() func() {
	if s.config.Metrics.Addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.counters.Handler())
	server := &http.Server{Addr: s.config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		s.logger.Info("Serving metrics", "addr", s.config.Metrics.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func (s *SpiderApp) Close() error {
	closeAll(s.closers, s.logger)
	return s.repo.Close()
}

func closeAll(closers []func() error, logger *slog.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn("Close failed", "error", err)
		}
	}
}
