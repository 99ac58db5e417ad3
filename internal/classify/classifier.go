package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"event_spider/internal/config"
	"event_spider/internal/llm"
	"event_spider/internal/models"
	"event_spider/internal/utils"
	"event_spider/internal/workcache"
)

const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
	StatusErrors   = "errors"
)

// Matchness levels.
const (
	MatchNotEvent   = 0
	MatchOtherEvent = 1
	MatchAnywhere   = 2
	MatchSameState  = 3
	MatchSameCity   = 4
	MatchMultiple   = 5
)

// Classification is the verdict on one page for one candidate. Rejected and
// errors results carry a Reason.
type Classification struct {
	Status    string
	Matchness int
	Analysis  *models.Analysis
	Reason    string
}

// Classifier asks the model about a page in two steps: a description of the
// page, then a numbered battery of questions about that description. Every
// answer is cached on its own, so a rerun only asks what is still missing.
type Classifier struct {
	asker             llm.Asker
	cache             *workcache.Cache
	oracleModel       string
	minDescriptionLen int
	minSummaryLen     int
}

func NewClassifier(asker llm.Asker, cache *workcache.Cache, logic config.LogicConfig, oracleModel string) *Classifier {
	return &Classifier{
		asker:             asker,
		cache:             cache,
		oracleModel:       oracleModel,
		minDescriptionLen: logic.MinDescriptionLen,
		minSummaryLen:     logic.MinSummaryLen,
	}
}

func (c *Classifier) Model() string {
	return c.asker.Model()
}

// Classify returns an error only when the work was interrupted or the store
// failed. Model failures come back as a Classification with status errors.
func (c *Classifier) Classify(ctx context.Context, pageURL, pageText string, cand models.Candidate, priority int, trail *models.Trail) (*Classification, error) {
	description, verdict, err := c.describe(ctx, pageURL, pageText, priority, trail)
	if err != nil || verdict != nil {
		return verdict, err
	}

	match := newMatchQuestions(cand.Name, cand.City, cand.State)
	questions := append(append([]Question(nil), Battery...), match.list()...)
	answers, err := c.answer(ctx, pageURL, description, questions, priority, trail)
	if err != nil {
		return nil, err
	}

	if verdict := gate(answers, &models.Analysis{Description: description}, trail); verdict != nil {
		return verdict, nil
	}

	var missing []string
	for _, q := range questions {
		if _, ok := answers[q.Text]; !ok {
			missing = append(missing, q.Text)
		}
	}
	if len(missing) > 0 {
		reason := fmt.Sprintf("%d of %d questions unanswered, first: %s", len(missing), len(questions), missing[0])
		trail.Addf("Question batch incomplete for %s: %s", pageURL, reason)
		return &Classification{Status: StatusErrors, Reason: reason, Analysis: &models.Analysis{Description: description}}, nil
	}

	result := c.interpret(answers, description, trail)
	if result.Status == StatusSuccess {
		result.Matchness = scoreMatch(answers, match, trail)
	}
	return result, nil
}

func (c *Classifier) describe(ctx context.Context, pageURL, pageText string, priority int, trail *models.Trail) (string, *Classification, error) {
	key := models.PageSummaryKey(pageURL, c.asker.Model(), DescribeVersion)
	unit, err := c.cache.GetOrCompute(ctx, key, func(ctx context.Context) (models.WorkResult, error) {
		trail.Addf("Asking model to describe page text at %s", pageURL)
		text, err := c.asker.Ask(ctx, buildDescribePrompt(pageText), 0, priority)
		return models.WorkResult{Text: text}, err
	})
	if err != nil {
		return "", nil, err
	}
	if unit.Status != models.WorkSuccess {
		trail.Addf("Describe failed for %s: %s", pageURL, unit.Error)
		return "", &Classification{Status: StatusErrors, Reason: "describe failed: " + unit.Error}, nil
	}

	description := strings.TrimSpace(unit.Result.Text)
	lead := strings.ToLower(strings.TrimLeft(description, `"'* `))
	switch {
	case strings.HasPrefix(lead, "nothing"):
		trail.Addf("Not an event, skipping %s", pageURL)
		return "", &Classification{Status: StatusRejected, Matchness: MatchNotEvent, Reason: "not an event"}, nil
	case strings.HasPrefix(lead, "multiple"):
		trail.Addf("Multiple events, skipping %s", pageURL)
		return "", &Classification{Status: StatusRejected, Matchness: MatchMultiple, Reason: "multiple events"}, nil
	case len(description) < c.minDescriptionLen:
		trail.Addf("Description too short, probably bad: %q", description)
		return "", &Classification{Status: StatusErrors, Reason: fmt.Sprintf("description too short: %q", description)}, nil
	}
	return description, nil, nil
}

// answer returns the stored or freshly asked answer for every question that
// has one. Unanswered questions are simply absent from the map.
func (c *Classifier) answer(ctx context.Context, pageURL, description string, questions []Question, priority int, trail *models.Trail) (map[string]string, error) {
	model := c.asker.Model()
	answers := make(map[string]string, len(questions))
	var pending []Question
	for _, q := range questions {
		unit, needed, err := c.cache.Claim(ctx, models.PageQuestionKey(pageURL, q.Text, model, QuestionVersion))
		if err != nil {
			return nil, err
		}
		switch {
		case needed:
			pending = append(pending, q)
		case unit.Status == models.WorkSuccess:
			answers[q.Text] = unit.Result.Text
		}
	}

	if len(pending) == 0 {
		trail.Addf("All %d questions already answered for %s", len(questions), pageURL)
	} else if err := c.askBatch(ctx, pageURL, description, pending, answers, priority, trail); err != nil {
		return nil, err
	}

	if c.oracleModel != "" {
		for _, q := range questions {
			unit, err := c.cache.Lookup(ctx, models.PageQuestionKey(pageURL, q.Text, c.oracleModel, QuestionVersion))
			if err != nil {
				return nil, err
			}
			if unit != nil && unit.Status == models.WorkSuccess {
				trail.Addf("Oracle overrode answer to %q for question: %s", unit.Result.Text, q.Text)
				answers[q.Text] = unit.Result.Text
			}
		}
	}
	return answers, nil
}

func (c *Classifier) askBatch(ctx context.Context, pageURL, description string, pending []Question, answers map[string]string, priority int, trail *models.Trail) error {
	model := c.asker.Model()
	trail.Addf("Asking model %d questions about %s", len(pending), pageURL)
	response, askErr := c.asker.Ask(ctx, buildBatchPrompt(pending, description), 0, priority)
	if askErr != nil && (errors.Is(askErr, context.Canceled) || ctx.Err() != nil) {
		return askErr
	}

	var parsed parsedAnswers
	if askErr == nil {
		parsed = parseAnswers(response, len(pending))
		for _, problem := range parsed.problems {
			trail.Addf("Unusable answer line for %s: %s", pageURL, problem)
		}
	}

	for i, q := range pending {
		key := models.PageQuestionKey(pageURL, q.Text, model, QuestionVersion)
		answer, ok := parsed.answers[i+1]
		var finishErr error
		switch {
		case askErr != nil:
			finishErr = fmt.Errorf("ask failed: %w", askErr)
		case !ok:
			finishErr = fmt.Errorf("no answer numbered %d in response: %s", i+1, llm.Truncate(response, 500))
		}
		if _, err := c.cache.Finish(ctx, key, models.WorkResult{Text: answer}, finishErr); err != nil {
			return err
		}
		if finishErr == nil {
			answers[q.Text] = answer
			trail.Addf("Answered %q for question: %s", answer, q.Text)
		}
	}
	return nil
}

// interpret applies the rejection gates and fills the analysis.
func (c *Classifier) interpret(answers map[string]string, description string, trail *models.Trail) *Classification {
	analysis := &models.Analysis{Description: description}
	if verdict := gate(answers, analysis, trail); verdict != nil {
		return verdict
	}

	analysis.Name = Known(answers[QuestionName.Text])
	if analysis.Name != "" {
		analysis.Name = utils.NormalizeName(analysis.Name, analysis.City, analysis.State)
	}
	if analysis.Name == "" {
		trail.Addf("Error, no name found on page.")
		return &Classification{Status: StatusErrors, Reason: "name missing", Analysis: analysis}
	}

	analysis.Summary = Known(answers[QuestionSummary.Text])
	if len(analysis.Summary) < c.minSummaryLen {
		trail.Addf("Error, summary missing or too short: %q", analysis.Summary)
		return &Classification{Status: StatusErrors, Reason: "summary missing or too short", Analysis: analysis}
	}

	analysis.Unusual = Known(answers[QuestionUnusual.Text])
	analysis.Yearly = ParseBool(answers[QuestionYearly.Text])
	analysis.Canceled = ParseBool(answers[QuestionCanceled.Text])
	analysis.FirstDate = Known(answers[QuestionFirst.Text])
	analysis.LastDate = Known(answers[QuestionLast.Text])
	analysis.NextDate = Known(answers[QuestionNext.Text])
	analysis.Month = ExtractMonth(Known(answers[QuestionMonth.Text]))

	trail.Addf("Analysis complete: %s in %s, %s: %s", analysis.Name, analysis.City, analysis.State, analysis.Summary)
	return &Classification{Status: StatusSuccess, Analysis: analysis}
}

// gate rejects on the multiple, city and state answers. Absent answers do not
// reject, so a partial batch with a disqualifying answer is still decided.
func gate(answers map[string]string, analysis *models.Analysis, trail *models.Trail) *Classification {
	if multiple := ParseBool(answers[QuestionMultiple.Text]); multiple != nil && *multiple {
		trail.Addf("Multiple events, rejecting.")
		return &Classification{Status: StatusRejected, Matchness: MatchMultiple, Reason: "multiple events", Analysis: analysis}
	}

	if city, ok := answers[QuestionCity.Text]; ok {
		analysis.City = Known(city)
		if analysis.City == "" {
			trail.Addf("No city found on page, rejecting.")
			return &Classification{Status: StatusRejected, Matchness: MatchNotEvent, Reason: "no city", Analysis: analysis}
		}
	}
	if state, ok := answers[QuestionState.Text]; ok {
		analysis.State = Known(state)
		if analysis.State == "" {
			trail.Addf("No state found on page, rejecting.")
			return &Classification{Status: StatusRejected, Matchness: MatchNotEvent, Reason: "no state", Analysis: analysis}
		}
	}
	return nil
}

// scoreMatch starts at "another event" and takes the narrowest location the
// model agreed with.
func scoreMatch(answers map[string]string, match matchQuestions, trail *models.Trail) int {
	yes := func(q *Question) bool {
		if q == nil {
			return false
		}
		v := ParseBool(answers[q.Text])
		return v != nil && *v
	}

	matchness := MatchOtherEvent
	if yes(match.anywhere) {
		matchness = MatchAnywhere
	}
	if yes(match.state) {
		matchness = MatchSameState
	}
	if yes(match.city) {
		matchness = MatchSameCity
	}
	trail.Addf("Matchness %d", matchness)
	return matchness
}
