package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"event_spider/internal/config"
	"event_spider/internal/models"
	"event_spider/internal/utils"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// Repository gives the pipeline typed access to a Store.
type Repository struct {
	store Store
	cols  collections
	now   func() time.Time
}

type collections struct {
	workUnits      string
	investigations string
	pageAnalyses   string
	submissions    string
	submissionKeys string
	events         string
}

type submissionKey struct {
	ID           string `bson:"_id"`
	SubmissionID string `bson:"submission_id"`
}

func NewRepository(store Store, cfg config.DBConfig) *Repository {
	c := cfg.Collections
	return &Repository{
		store: store,
		cols: collections{
			workUnits:      orDefault(c.WorkUnits, "work_units"),
			investigations: orDefault(c.Investigations, "investigations"),
			pageAnalyses:   orDefault(c.PageAnalyses, "page_analyses"),
			submissions:    orDefault(c.Submissions, "submissions"),
			submissionKeys: orDefault(c.SubmissionKeys, "submission_keys"),
			events:         orDefault(c.Events, "events"),
		},
		now: time.Now,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (r *Repository) Now() int64 {
	return r.now().Unix()
}

func (r *Repository) Close() error {
	return r.store.Close()
}

func (r *Repository) GetWorkUnit(ctx context.Context, id string) (*models.WorkUnit, error) {
	var unit models.WorkUnit
	found, err := r.store.Get(ctx, r.cols.workUnits, id, &unit)
	if err != nil || !found {
		return nil, err
	}
	return &unit, nil
}

func (r *Repository) CreateWorkUnit(ctx context.Context, unit *models.WorkUnit) (bool, error) {
	return r.store.InsertIfAbsent(ctx, r.cols.workUnits, unit.ID, unit)
}

func (r *Repository) SaveWorkUnit(ctx context.Context, unit *models.WorkUnit) error {
	return r.store.Put(ctx, r.cols.workUnits, unit.ID, unit)
}

func (r *Repository) GetInvestigation(ctx context.Context, submissionID, model string) (*models.Investigation, error) {
	var inv models.Investigation
	found, err := r.store.Get(ctx, r.cols.investigations, models.InvestigationID(submissionID, model), &inv)
	if err != nil || !found {
		return nil, err
	}
	return &inv, nil
}

// StartInvestigation inserts a fresh record unless one already exists.
func (r *Repository) StartInvestigation(ctx context.Context, submissionID, model string) (*models.Investigation, bool, error) {
	inv := &models.Investigation{
		ID:           models.InvestigationID(submissionID, model),
		SubmissionID: submissionID,
		Model:        model,
		Status:       models.InvestigationCreated,
		URLs:         []string{},
		Steps:        []string{},
		CreatedAt:    r.Now(),
	}
	created, err := r.store.InsertIfAbsent(ctx, r.cols.investigations, inv.ID, inv)
	if err != nil {
		return nil, false, err
	}
	if created {
		return inv, true, nil
	}
	existing, err := r.GetInvestigation(ctx, submissionID, model)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("investigation %s vanished", inv.ID)
	}
	return existing, false, nil
}

func (r *Repository) SaveInvestigation(ctx context.Context, inv *models.Investigation) error {
	return r.store.Put(ctx, r.cols.investigations, inv.ID, inv)
}

func (r *Repository) GetPageAnalysis(ctx context.Context, submissionID, model, url string) (*models.PageAnalysis, error) {
	var page models.PageAnalysis
	found, err := r.store.Get(ctx, r.cols.pageAnalyses, models.PageAnalysisID(submissionID, model, url), &page)
	if err != nil || !found {
		return nil, err
	}
	return &page, nil
}

// StartPageAnalysis returns the existing record for the page or a new one in
// status created.
func (r *Repository) StartPageAnalysis(ctx context.Context, submissionID, model, url string) (*models.PageAnalysis, error) {
	page := &models.PageAnalysis{
		ID:           models.PageAnalysisID(submissionID, model, url),
		SubmissionID: submissionID,
		Model:        model,
		URL:          url,
		Status:       models.PageCreated,
		Steps:        []string{},
		CreatedAt:    r.Now(),
	}
	created, err := r.store.InsertIfAbsent(ctx, r.cols.pageAnalyses, page.ID, page)
	if err != nil || created {
		return page, err
	}
	existing, err := r.GetPageAnalysis(ctx, submissionID, model, url)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("page analysis %s vanished", page.ID)
	}
	return existing, nil
}

func (r *Repository) SavePageAnalysis(ctx context.Context, page *models.PageAnalysis) error {
	return r.store.Put(ctx, r.cols.pageAnalyses, page.ID, page)
}

func (r *Repository) ListPageAnalyses(ctx context.Context, submissionID, model string) ([]*models.PageAnalysis, error) {
	docs, err := r.store.Scan(ctx, r.cols.pageAnalyses, models.InvestigationID(submissionID, model)+"|")
	if err != nil {
		return nil, err
	}
	pages := make([]*models.PageAnalysis, 0, len(docs))
	for _, raw := range docs {
		var page models.PageAnalysis
		if err := bson.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode page analysis: %w", err)
		}
		pages = append(pages, &page)
	}
	return pages, nil
}

// AddSubmission normalizes and stores a submission, returning "" when one
// with the same name, city and state already exists.
func (r *Repository) AddSubmission(ctx context.Context, sub models.Submission) (string, error) {
	if sub.Name == "" || sub.City == "" || sub.State == "" {
		return "", fmt.Errorf("submission needs name, city and state")
	}
	sub.Name = strings.TrimSpace(utils.NormalizeName(sub.Name, sub.City, sub.State))
	sub.State = utils.NormalizeState(sub.State)
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = models.SubmissionCreated
	}
	sub.CreatedAt = r.Now()
	sub.LastModifiedAt = sub.CreatedAt

	identity := utils.SubmissionIdentity(sub.Name, sub.City, sub.State)
	created, err := r.store.InsertIfAbsent(ctx, r.cols.submissionKeys, identity,
		&submissionKey{ID: identity, SubmissionID: sub.ID})
	if err != nil {
		return "", err
	}
	if !created {
		return "", nil
	}
	if err := r.store.Put(ctx, r.cols.submissions, sub.ID, &sub); err != nil {
		return "", err
	}
	return sub.ID, nil
}

func (r *Repository) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	var sub models.Submission
	found, err := r.store.Get(ctx, r.cols.submissions, id, &sub)
	if err != nil || !found {
		return nil, err
	}
	return &sub, nil
}

func (r *Repository) UpdateSubmissionStatus(ctx context.Context, id, status string) error {
	sub, err := r.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("no submission %s", id)
	}
	sub.Status = status
	sub.LastModifiedAt = r.Now()
	return r.store.Put(ctx, r.cols.submissions, id, sub)
}

type SubmissionFilter struct {
	ID     string
	Status string
	Limit  int
}

// ListSubmissions returns submissions in creation order.
func (r *Repository) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*models.Submission, error) {
	if filter.ID != "" {
		sub, err := r.GetSubmission(ctx, filter.ID)
		if err != nil || sub == nil {
			return nil, err
		}
		return []*models.Submission{sub}, nil
	}

	docs, err := r.store.Scan(ctx, r.cols.submissions, "")
	if err != nil {
		return nil, err
	}
	var subs []*models.Submission
	for _, raw := range docs {
		var sub models.Submission
		if err := bson.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("decode submission: %w", err)
		}
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		subs = append(subs, &sub)
	}
	sortSubmissions(subs)
	if filter.Limit > 0 && len(subs) > filter.Limit {
		subs = subs[:filter.Limit]
	}
	return subs, nil
}

func sortSubmissions(subs []*models.Submission) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].CreatedAt != subs[j].CreatedAt {
			return subs[i].CreatedAt < subs[j].CreatedAt
		}
		return subs[i].ID < subs[j].ID
	})
}

func (r *Repository) SaveEvent(ctx context.Context, event *models.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = r.Now()
	}
	return r.store.Put(ctx, r.cols.events, event.ID, event)
}

func (r *Repository) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var event models.Event
	found, err := r.store.Get(ctx, r.cols.events, id, &event)
	if err != nil || !found {
		return nil, err
	}
	return &event, nil
}

func (r *Repository) ListEvents(ctx context.Context) ([]*models.Event, error) {
	docs, err := r.store.Scan(ctx, r.cols.events, "")
	if err != nil {
		return nil, err
	}
	events := make([]*models.Event, 0, len(docs))
	for _, raw := range docs {
		var event models.Event
		if err := bson.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, &event)
	}
	return events, nil
}

// StatusReport counts records by status in every status-bearing collection.
func (r *Repository) StatusReport(ctx context.Context) (map[string]map[string]int, error) {
	report := make(map[string]map[string]int)
	for _, name := range []string{r.cols.workUnits, r.cols.investigations, r.cols.pageAnalyses, r.cols.submissions} {
		counts, err := r.store.StatusCounts(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		report[name] = counts
	}
	return report, nil
}
