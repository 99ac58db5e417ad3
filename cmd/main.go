package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"event_spider/internal/app"
	"event_spider/internal/config"
	"event_spider/internal/db"
	"event_spider/internal/models"

	"github.com/spf13/cobra"
)

var (
	configPath string

	retryErrors  bool
	filterID     string
	filterStatus string
	limit        int

	submitName   string
	submitCity   string
	submitState  string
	submitURL    string
	submitStatus string

	rootCmd = &cobra.Command{
		Use:   "event_spider",
		Short: "Verifies that submitted yearly events are real",
		Long: `event_spider searches the web for each submitted event, asks a language
model about every page it finds and records which events are confirmed.`,
		SilenceUsage: true,
	}
	investigateCmd = &cobra.Command{
		Use:   "investigate",
		Short: "Investigate submissions until each has a verdict",
		RunE:  runInvestigate,
	}
	submitCmd = &cobra.Command{
		Use:   "submit",
		Short: "Add an event candidate",
		RunE:  runSubmit,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print record counts by status for every collection",
		RunE:  runStatus,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config")

	investigateCmd.Flags().BoolVar(&retryErrors, "retry-errors", false, "recompute work that previously ended in errors")
	investigateCmd.Flags().StringVar(&filterID, "filter-submission-id", "", "investigate only this submission")
	investigateCmd.Flags().StringVar(&filterStatus, "filter-status", models.SubmissionApproved, "investigate submissions with this status")
	investigateCmd.Flags().IntVar(&limit, "limit", 0, "investigate at most this many submissions (0 for all)")

	submitCmd.Flags().StringVar(&submitName, "name", "", "event name")
	submitCmd.Flags().StringVar(&submitCity, "city", "", "city the event is held in")
	submitCmd.Flags().StringVar(&submitState, "state", "", "state the event is held in")
	submitCmd.Flags().StringVar(&submitURL, "url", "", "event website, searched first")
	submitCmd.Flags().StringVar(&submitStatus, "status", models.SubmissionApproved, "initial submission status")
	for _, name := range []string{"name", "city", "state"} {
		_ = submitCmd.MarkFlagRequired(name)
	}

	rootCmd.AddCommand(investigateCmd, submitCmd, statusCmd)
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func runInvestigate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if retryErrors {
		cfg.Logic.RetryErrors = true
	}

	ctx := cmd.Context()
	spider, err := app.NewSpiderApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer spider.Close()

	summary, err := spider.Run(ctx, db.SubmissionFilter{ID: filterID, Status: filterStatus, Limit: limit})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d investigated: %d confirmed, %d failed, %d errors, %d unfinished\n",
		summary.Total, summary.Confirmed, summary.Failed, summary.Errors, summary.Interrupted)
	return nil
}

func openRepository() (*db.Repository, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, err := db.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	return db.NewRepository(store, cfg.DB), nil
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	id, err := repo.AddSubmission(cmd.Context(), models.Submission{
		Name:   submitName,
		City:   submitCity,
		State:  submitState,
		URL:    submitURL,
		Status: submitStatus,
	})
	if err != nil {
		return err
	}
	if id == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "already submitted")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	report, err := repo.StatusReport(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, collection := range sortedKeys(report) {
		fmt.Fprintln(out, collection)
		counts := report[collection]
		for _, status := range sortedKeys(counts) {
			fmt.Fprintf(out, "  %-10s %d\n", status, counts[status])
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
