package models

import (
	"crypto/md5"
	"fmt"
	"strconv"
	"strings"
)

// Candidate is an event the pipeline has been asked to verify.
type Candidate struct {
	SubmissionID string
	Name         string
	City         string
	State        string
	URL          string
}

func (c Candidate) Query() string {
	return c.Name + " " + c.City + " " + c.State
}

func (c Candidate) Validate() error {
	if c.SubmissionID == "" || c.Name == "" || c.City == "" || c.State == "" {
		return fmt.Errorf("%w: candidate needs id, name, city and state (got %q, %q, %q, %q)",
			ErrFatal, c.SubmissionID, c.Name, c.City, c.State)
	}
	return nil
}

const (
	SubmissionCreated   = "created"
	SubmissionApproved  = "approved"
	SubmissionConfirmed = "confirmed"
	SubmissionFailed    = "failed"
	SubmissionErrors    = "errors"
)

type Submission struct {
	ID             string `bson:"_id"`
	Name           string `bson:"name"`
	City           string `bson:"city"`
	State          string `bson:"state"`
	URL            string `bson:"url,omitempty"`
	Description    string `bson:"description,omitempty"`
	Status         string `bson:"status"`
	OriginQuery    string `bson:"origin_query,omitempty"`
	InspirationID  string `bson:"inspiration_submission_id,omitempty"`
	CreatedAt      int64  `bson:"created_at"`
	LastModifiedAt int64  `bson:"last_modified_at"`
}

func (s Submission) Candidate() Candidate {
	return Candidate{SubmissionID: s.ID, Name: s.Name, City: s.City, State: s.State, URL: s.URL}
}

type WorkKind string

const (
	KindSearch       WorkKind = "search"
	KindPageText     WorkKind = "pageText"
	KindPageSummary  WorkKind = "pageSummary"
	KindPageQuestion WorkKind = "pageQuestion"
)

type WorkStatus string

const (
	WorkPending WorkStatus = "pending"
	WorkSuccess WorkStatus = "success"
	WorkError   WorkStatus = "error"
)

// WorkKey identifies one unit of external work by its full input.
// Fields not relevant to a kind are left empty.
type WorkKey struct {
	Kind          WorkKind
	Query         string
	URL           string
	Question      string
	Model         string
	PromptVersion int
}

func SearchKey(query string) WorkKey {
	return WorkKey{Kind: KindSearch, Query: query}
}

func PageTextKey(url string) WorkKey {
	return WorkKey{Kind: KindPageText, URL: url}
}

func PageSummaryKey(url, model string, promptVersion int) WorkKey {
	return WorkKey{Kind: KindPageSummary, URL: url, Model: model, PromptVersion: promptVersion}
}

func PageQuestionKey(url, question, model string, promptVersion int) WorkKey {
	return WorkKey{Kind: KindPageQuestion, URL: url, Question: question, Model: model, PromptVersion: promptVersion}
}

// ID is content addressed: equal inputs always map to the same record.
func (k WorkKey) ID() string {
	joined := strings.Join([]string{
		string(k.Kind), k.Query, k.URL, k.Question, k.Model, strconv.Itoa(k.PromptVersion),
	}, "\x1f")
	return fmt.Sprintf("%s:%x", k.Kind, md5.Sum([]byte(joined)))
}

type WorkResult struct {
	Text string   `bson:"text,omitempty"`
	URLs []string `bson:"urls,omitempty"`
}

type WorkUnit struct {
	ID            string     `bson:"_id"`
	Kind          WorkKind   `bson:"kind"`
	Query         string     `bson:"query,omitempty"`
	URL           string     `bson:"url,omitempty"`
	Question      string     `bson:"question,omitempty"`
	Model         string     `bson:"model,omitempty"`
	PromptVersion int        `bson:"prompt_version,omitempty"`
	Status        WorkStatus `bson:"status"`
	Result        WorkResult `bson:"result"`
	Error         string     `bson:"error,omitempty"`
	CreatedAt     int64      `bson:"created_at"`
	FinishedAt    int64      `bson:"finished_at,omitempty"`
}

func NewWorkUnit(key WorkKey, now int64) *WorkUnit {
	return &WorkUnit{
		ID:            key.ID(),
		Kind:          key.Kind,
		Query:         key.Query,
		URL:           key.URL,
		Question:      key.Question,
		Model:         key.Model,
		PromptVersion: key.PromptVersion,
		Status:        WorkPending,
		CreatedAt:     now,
	}
}

func (u *WorkUnit) Terminal() bool {
	return u.Status == WorkSuccess || u.Status == WorkError
}

// Analysis is what the classifier learned about a page. Empty strings and nil
// pointers mean unknown.
type Analysis struct {
	Yearly      *bool  `bson:"yearly,omitempty"`
	Canceled    *bool  `bson:"canceled,omitempty"`
	Name        string `bson:"name,omitempty"`
	City        string `bson:"city,omitempty"`
	State       string `bson:"state,omitempty"`
	Month       string `bson:"month,omitempty"`
	FirstDate   string `bson:"first_date,omitempty"`
	LastDate    string `bson:"last_date,omitempty"`
	NextDate    string `bson:"next_date,omitempty"`
	Summary     string `bson:"summary,omitempty"`
	Unusual     string `bson:"unusual,omitempty"`
	Description string `bson:"description,omitempty"`
}

// Promising pages hint the event is still recurring.
func (a *Analysis) Promising() bool {
	return a != nil && ((a.Yearly != nil && *a.Yearly) || a.NextDate != "")
}

const (
	PageCreated   = "created"
	PageConfirmed = "confirmed"
	PageRejected  = "rejected"
	PageErrors    = "errors"
	PageMoot      = "moot"
)

type PageAnalysis struct {
	ID           string    `bson:"_id"`
	SubmissionID string    `bson:"submission_id"`
	Model        string    `bson:"model"`
	URL          string    `bson:"url"`
	Status       string    `bson:"status"`
	Matchness    int       `bson:"matchness"`
	Analysis     *Analysis `bson:"analysis,omitempty"`
	Steps        []string  `bson:"steps"`
	CreatedAt    int64     `bson:"created_at"`
	FinishedAt   int64     `bson:"finished_at,omitempty"`
}

func PageAnalysisID(submissionID, model, url string) string {
	return InvestigationID(submissionID, model) + "|" + url
}

func (p *PageAnalysis) Terminal() bool {
	return p.Status != "" && p.Status != PageCreated
}

const (
	InvestigationCreated   = "created"
	InvestigationConfirmed = "confirmed"
	InvestigationFailed    = "failed"
	InvestigationErrors    = "errors"
)

type Investigation struct {
	ID           string   `bson:"_id"`
	SubmissionID string   `bson:"submission_id"`
	Model        string   `bson:"model"`
	Status       string   `bson:"status"`
	URLs         []string `bson:"urls"`
	Month        string   `bson:"month,omitempty"`
	NumConfirms  int      `bson:"num_confirms"`
	NumPromising int      `bson:"num_promising"`
	NumErrors    int      `bson:"num_errors"`
	EventID      string   `bson:"event_id,omitempty"`
	Steps        []string `bson:"steps"`
	CreatedAt    int64    `bson:"created_at"`
	FinishedAt   int64    `bson:"finished_at,omitempty"`

	Pages []*PageAnalysis `bson:"-"`
}

func InvestigationID(submissionID, model string) string {
	return submissionID + "|" + model
}

func (i *Investigation) Terminal() bool {
	return i.Status != "" && i.Status != InvestigationCreated
}

type EventSource struct {
	URL     string `bson:"url"`
	Summary string `bson:"summary,omitempty"`
}

type Event struct {
	ID           string        `bson:"_id"`
	SubmissionID string        `bson:"submission_id"`
	Name         string        `bson:"name"`
	City         string        `bson:"city"`
	State        string        `bson:"state"`
	Month        string        `bson:"month,omitempty"`
	Summary      string        `bson:"summary,omitempty"`
	Sources      []EventSource `bson:"sources"`
	CreatedAt    int64         `bson:"created_at"`
}
