package classify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"event_spider/internal/config"
	"event_spider/internal/db"
	"event_spider/internal/models"
	"event_spider/internal/workcache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBool(t *testing.T) {
	yes, no := true, false
	cases := []struct {
		in   string
		want *bool
	}{
		{"Yes", &yes},
		{"yes, every year", &yes},
		{`"Yes."`, &yes},
		{"true", &yes},
		{"No, it's biennial", &no},
		{"no", &no},
		{"FALSE", &no},
		{"unknown", nil},
		{"Unknown reasons apply", nil},
		{"It is unknown", nil},
		{"Probably yes", nil},
		{"nope", nil},
		{"none", nil},
		{"", nil},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseBool(tc.in))
		})
	}
}

func TestKnown(t *testing.T) {
	assert.Equal(t, "", Known(""))
	assert.Equal(t, "", Known("  unknown"))
	assert.Equal(t, "", Known("Unknown."))
	assert.Equal(t, "Mount Olive", Known(` "Mount Olive" `))
}

func TestExtractMonth(t *testing.T) {
	assert.Equal(t, "April", ExtractMonth("April"))
	assert.Equal(t, "September", ExtractMonth("in late Sept."))
	assert.Equal(t, "December", ExtractMonth("Dec 5, 2023"))
	assert.Equal(t, "May", ExtractMonth("usually MAY or June"))
	assert.Equal(t, "", ExtractMonth("the mayor decides"))
	assert.Equal(t, "", ExtractMonth("unknown"))
}

func TestParseAnswers(t *testing.T) {
	response := "Here are the answers:\n1. yes\n\n2: Mount Olive\n 3) \"North Carolina\"\n9. stray\n2. again\n4."
	parsed := parseAnswers(response, 4)
	assert.Equal(t, map[int]string{1: "yes", 2: "Mount Olive", 3: "North Carolina"}, parsed.answers)
	assert.Len(t, parsed.problems, 4)

	single := parseAnswers("\n  \"April\"\n1. ignored", 1)
	assert.Equal(t, map[int]string{1: "April"}, single.answers)

	numbered := parseAnswers("1. yes", 1)
	assert.Equal(t, "yes", numbered.answers[1])

	year := parseAnswers("2023 was the last one", 1)
	assert.Equal(t, "2023 was the last one", year.answers[1])

	for _, bare := range []string{"1998", "2024", `"1987"`} {
		parsed := parseAnswers(bare, 1)
		assert.Equal(t, strings.Trim(bare, `"`), parsed.answers[1], bare)
		assert.Empty(t, parsed.problems, bare)
	}

	labelled := parseAnswers("1.\n1998", 1)
	assert.Equal(t, "1998", labelled.answers[1])
}

func TestBuildBatchPrompt(t *testing.T) {
	prompt := buildBatchPrompt([]Question{QuestionCity, QuestionState}, "A pickle festival.")
	assert.True(t, strings.HasPrefix(prompt, batchHeader+"1. "+QuestionCity.Text+"\n2. "+QuestionState.Text+"\n"))
	assert.True(t, strings.HasSuffix(prompt, "\n------\nA pickle festival."))
}

type fakeAsker struct {
	mu       sync.Mutex
	describe string
	answer   func(question string) string
	err      error
	prompts  []string
}

func (f *fakeAsker) Model() string { return "test-model" }

func (f *fakeAsker) Ask(_ context.Context, prompt string, _ int, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if strings.HasPrefix(prompt, describePrompt) {
		return f.describe, nil
	}
	head := prompt[:strings.Index(prompt, "\n------\n")]
	var lines []string
	for _, line := range strings.Split(head, "\n")[1:] {
		parts := strings.SplitN(line, ". ", 2)
		if len(parts) != 2 {
			continue
		}
		if a := f.answer(parts[1]); a != "" {
			lines = append(lines, parts[0]+". "+a)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (f *fakeAsker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeAsker) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

const pickleDescription = "The Annual NC Pickle Festival is held every April in Mount Olive, North Carolina."

func pickleAnswers(overrides map[string]string) func(string) string {
	return func(q string) string {
		if a, ok := overrides[q]; ok {
			return a
		}
		switch q {
		case QuestionMultiple.Text, QuestionCanceled.Text:
			return "no"
		case QuestionYearly.Text:
			return "yes"
		case QuestionName.Text:
			return "The Annual NC Pickle Festival"
		case QuestionCity.Text:
			return "Mount Olive"
		case QuestionState.Text:
			return "North Carolina"
		case QuestionFirst.Text:
			return "1987"
		case QuestionLast.Text:
			return "April 27, 2024"
		case QuestionNext.Text:
			return "April 26, 2025"
		case QuestionMonth.Text:
			return "April"
		case QuestionSummary.Text:
			return "A yearly celebration of pickles in Mount Olive."
		case QuestionUnusual.Text:
			return "Pickle eating contests."
		}
		if strings.Contains(q, "the Pickle Festival") {
			return "yes"
		}
		return ""
	}
}

var pickle = models.Candidate{SubmissionID: "s1", Name: "Pickle Festival", City: "Mount Olive", State: "NC"}

func newRepo(t *testing.T) *db.Repository {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	repo := db.NewRepository(store, config.DBConfig{})
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newCache(t *testing.T) *workcache.Cache {
	return workcache.New(newRepo(t))
}

func newClassifier(t *testing.T, asker *fakeAsker, oracle string) *Classifier {
	t.Helper()
	return NewClassifier(asker, newCache(t), config.LogicConfig{MinDescriptionLen: 20, MinSummaryLen: 20}, oracle)
}

func TestClassify_ConfirmsAndCachesEveryAnswer(t *testing.T) {
	asker := &fakeAsker{describe: pickleDescription, answer: pickleAnswers(nil)}
	c := newClassifier(t, asker, "")
	ctx := context.Background()

	result, err := c.Classify(ctx, "https://ncpicklefest.org", "page text", pickle, 0, models.NewTrail(nil, nil))
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, MatchSameCity, result.Matchness)
	assert.Equal(t, 2, asker.calls())

	a := result.Analysis
	assert.Equal(t, "Pickle Festival", a.Name)
	assert.Equal(t, "Mount Olive", a.City)
	assert.Equal(t, "North Carolina", a.State)
	assert.Equal(t, "April", a.Month)
	assert.Equal(t, "April 26, 2025", a.NextDate)
	require.NotNil(t, a.Yearly)
	assert.True(t, *a.Yearly)
	require.NotNil(t, a.Canceled)
	assert.False(t, *a.Canceled)
	assert.Equal(t, pickleDescription, a.Description)

	again, err := c.Classify(ctx, "https://ncpicklefest.org", "page text", pickle, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, result, again)
	assert.Equal(t, 2, asker.calls(), "fully cached page asks nothing")
}

func TestClassify_DescribeOutcomes(t *testing.T) {
	cases := []struct {
		describe  string
		status    string
		matchness int
	}{
		{"Nothing. This page is a store.", StatusRejected, MatchNotEvent},
		{"\"multiple\" events are listed here", StatusRejected, MatchMultiple},
		{"An event.", StatusErrors, 0},
	}
	for _, tc := range cases {
		t.Run(tc.describe, func(t *testing.T) {
			asker := &fakeAsker{describe: tc.describe, answer: pickleAnswers(nil)}
			result, err := newClassifier(t, asker, "").Classify(context.Background(), "https://a.org", "text", pickle, 0, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.status, result.Status)
			assert.Equal(t, tc.matchness, result.Matchness)
			assert.Equal(t, 1, asker.calls())
		})
	}
}

func TestClassify_Gates(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]string
		status    string
		matchness int
	}{
		{"multiple", map[string]string{QuestionMultiple.Text: "yes"}, StatusRejected, MatchMultiple},
		{"no city", map[string]string{QuestionCity.Text: "unknown"}, StatusRejected, MatchNotEvent},
		{"no state", map[string]string{QuestionState.Text: "Unknown."}, StatusRejected, MatchNotEvent},
		{"no name", map[string]string{QuestionName.Text: "unknown"}, StatusErrors, 0},
		{"short summary", map[string]string{QuestionSummary.Text: "Pickles."}, StatusErrors, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			asker := &fakeAsker{describe: pickleDescription, answer: pickleAnswers(tc.overrides)}
			result, err := newClassifier(t, asker, "").Classify(context.Background(), "https://a.org", "text", pickle, 0, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.status, result.Status)
			assert.Equal(t, tc.matchness, result.Matchness)
		})
	}
}

func TestClassify_GatesDecideIncompleteBatches(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]string
		matchness int
		reason    string
	}{
		{"multiple", map[string]string{QuestionMultiple.Text: "yes", QuestionMonth.Text: "", QuestionSummary.Text: ""}, MatchMultiple, "multiple events"},
		{"no city", map[string]string{QuestionCity.Text: "unknown", QuestionName.Text: ""}, MatchNotEvent, "no city"},
		{"no state", map[string]string{QuestionState.Text: "unknown", QuestionFirst.Text: ""}, MatchNotEvent, "no state"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			asker := &fakeAsker{describe: pickleDescription, answer: pickleAnswers(tc.overrides)}
			result, err := newClassifier(t, asker, "").Classify(context.Background(), "https://a.org", "text", pickle, 0, nil)
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, result.Status)
			assert.Equal(t, tc.matchness, result.Matchness)
			assert.Equal(t, tc.reason, result.Reason)
		})
	}

	// Without a disqualifying answer a gap is still an error.
	asker := &fakeAsker{describe: pickleDescription, answer: pickleAnswers(map[string]string{QuestionName.Text: ""})}
	result, err := newClassifier(t, asker, "").Classify(context.Background(), "https://a.org", "text", pickle, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusErrors, result.Status)
}

func TestClassify_Matchness(t *testing.T) {
	match := newMatchQuestions(pickle.Name, pickle.City, pickle.State)
	cases := []struct {
		name                  string
		anywhere, state, city string
		want                  int
	}{
		{"other event", "no", "no", "no", MatchOtherEvent},
		{"anywhere", "yes", "no", "no", MatchAnywhere},
		{"state", "yes", "yes", "no", MatchSameState},
		{"city wins over inconsistent answers", "no", "no", "yes", MatchSameCity},
		{"unknown counts as no", "unknown", "yes", "unknown", MatchSameState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			asker := &fakeAsker{describe: pickleDescription, answer: pickleAnswers(map[string]string{
				match.anywhere.Text: tc.anywhere,
				match.state.Text:    tc.state,
				match.city.Text:     tc.city,
			})}
			result, err := newClassifier(t, asker, "").Classify(context.Background(), "https://a.org", "text", pickle, 0, nil)
			require.NoError(t, err)
			assert.Equal(t, StatusSuccess, result.Status)
			assert.Equal(t, tc.want, result.Matchness)
		})
	}
}

func TestClassify_OnlyMissingQuestionsAreReasked(t *testing.T) {
	asker := &fakeAsker{describe: pickleDescription, answer: pickleAnswers(map[string]string{QuestionMonth.Text: ""})}
	repo := newRepo(t)
	cache := workcache.New(repo)
	logic := config.LogicConfig{MinDescriptionLen: 20, MinSummaryLen: 20}
	ctx := context.Background()

	result, err := NewClassifier(asker, cache, logic, "").Classify(ctx, "https://a.org", "text", pickle, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusErrors, result.Status)
	assert.Contains(t, result.Reason, "1 of 15 questions unanswered")

	unit, err := cache.Lookup(ctx, models.PageQuestionKey("https://a.org", QuestionMonth.Text, "test-model", QuestionVersion))
	require.NoError(t, err)
	assert.Equal(t, models.WorkError, unit.Status)

	// Without retries the stored parse error is final.
	_, err = NewClassifier(asker, cache, logic, "").Classify(ctx, "https://a.org", "text", pickle, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, asker.calls())

	asker.answer = pickleAnswers(nil)
	retrying := NewClassifier(asker, workcache.New(repo, workcache.WithRetryErrors(true)), logic, "")
	result, err = retrying.Classify(ctx, "https://a.org", "text", pickle, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "April", result.Analysis.Month)
	assert.Equal(t, 3, asker.calls())

	prompt := asker.lastPrompt()
	assert.Contains(t, prompt, "1. "+QuestionMonth.Text+"\n")
	assert.NotContains(t, prompt, QuestionCity.Text)
}

func TestClassify_OracleOverrides(t *testing.T) {
	asker := &fakeAsker{describe: pickleDescription, answer: pickleAnswers(map[string]string{QuestionMonth.Text: "May"})}
	cache := newCache(t)
	ctx := context.Background()
	_, err := cache.Finish(ctx, models.PageQuestionKey("https://a.org", QuestionMonth.Text, "oracle", QuestionVersion), models.WorkResult{Text: "April"}, nil)
	require.NoError(t, err)

	c := NewClassifier(asker, cache, config.LogicConfig{MinDescriptionLen: 20, MinSummaryLen: 20}, "oracle")
	result, err := c.Classify(ctx, "https://a.org", "text", pickle, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "April", result.Analysis.Month)
}

func TestClassify_FailedAskBecomesErrorUnits(t *testing.T) {
	asker := &fakeAsker{describe: pickleDescription, answer: pickleAnswers(nil)}
	cache := newCache(t)
	ctx := context.Background()
	c := NewClassifier(asker, cache, config.LogicConfig{MinDescriptionLen: 20, MinSummaryLen: 20}, "")

	_, err := cache.Finish(ctx, models.PageSummaryKey("https://a.org", "test-model", DescribeVersion), models.WorkResult{Text: pickleDescription}, nil)
	require.NoError(t, err)
	asker.err = models.ErrRateLimited

	result, err := c.Classify(ctx, "https://a.org", "text", pickle, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusErrors, result.Status)

	unit, err := cache.Lookup(ctx, models.PageQuestionKey("https://a.org", QuestionCity.Text, "test-model", QuestionVersion))
	require.NoError(t, err)
	assert.Equal(t, models.WorkError, unit.Status)
	assert.Contains(t, unit.Error, "rate limited")
}

func TestClassify_CanceledAskLeavesQuestionsPending(t *testing.T) {
	asker := &fakeAsker{describe: pickleDescription, answer: pickleAnswers(nil)}
	cache := newCache(t)
	ctx := context.Background()
	_, err := cache.Finish(ctx, models.PageSummaryKey("https://a.org", "test-model", DescribeVersion), models.WorkResult{Text: pickleDescription}, nil)
	require.NoError(t, err)
	asker.err = context.Canceled

	c := NewClassifier(asker, cache, config.LogicConfig{MinDescriptionLen: 20, MinSummaryLen: 20}, "")
	_, err = c.Classify(ctx, "https://a.org", "text", pickle, 0, nil)
	assert.True(t, errors.Is(err, context.Canceled))

	unit, err := cache.Lookup(ctx, models.PageQuestionKey("https://a.org", QuestionCity.Text, "test-model", QuestionVersion))
	require.NoError(t, err)
	assert.Equal(t, models.WorkPending, unit.Status)

	asker.err = nil
	result, err := c.Classify(ctx, "https://a.org", "text", pickle, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
}
