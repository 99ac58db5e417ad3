package classify

import (
	"fmt"
	"strings"
)

// Bump a version whenever its prompt text changes so old cached answers are
// not reused for the new wording.
const (
	DescribeVersion = 6
	QuestionVersion = 6
)

const describePrompt = `After the "BEGINPAGE" below is text from a webpage. ` +
	`If it's not describing any event at all, say only "nothing". ` +
	`If it's describing multiple unrelated events, say only "multiple". ` +
	`Otherwise it's describing an event (such as a competition, gathering, festival, or celebration): ` +
	`please give me a paragraph of max 20 sentences describing it, including the event's name, city, state, ` +
	`whether it happens every year, what month it's on, the first date of the event, most recent date of the event, ` +
	`future date of the event, the year it ended, anything surprising about it, ` +
	`and anything that makes it particularly unique or interesting.`

const batchHeader = "below the dashes is a description of an event. please answer the following questions, numbered, each on their own line.\n"

// Question is one entry of the battery. Text is also its cache identity.
type Question struct {
	Text string
}

var (
	QuestionMultiple = Question{`does the description describe multiple unrelated events? Answer only "yes" or "no" or "unknown".`}
	QuestionYearly   = Question{`does the event happen every year? Answer only "yes", "no", or if not known then "unknown".`}
	QuestionName     = Question{`what's the event's name? Answer only the name, or "unknown" if not known.`}
	QuestionCity     = Question{`what city is the event held in? Answer only the city, or "unknown" if not known.`}
	QuestionState    = Question{`what state is the event held in? Answer only the state's name, or "unknown" if not known.`}
	QuestionFirst    = Question{`when did the event first happen? Be concise. say "unknown" if not known.`}
	QuestionLast     = Question{`when was the last event? Be concise. say "unknown" if not known.`}
	QuestionCanceled = Question{`was the event discontinued or permanently canceled? Answer only "yes" or "no" or "unknown".`}
	QuestionNext     = Question{`when will the event happen again? Be concise: answer only the date, or "unknown" if not known.`}
	QuestionMonth    = Question{`what month does the event happen on? Answer only the month, or "unknown" if not known.`}
	QuestionSummary  = Question{`what's a one-sentence description of the event?`}
	QuestionUnusual  = Question{`what's the most unique, unusual, or surprising thing about the event?`}
)

// Battery is asked about every page, in this order.
var Battery = []Question{
	QuestionMultiple,
	QuestionYearly,
	QuestionName,
	QuestionCity,
	QuestionState,
	QuestionFirst,
	QuestionLast,
	QuestionCanceled,
	QuestionNext,
	QuestionMonth,
	QuestionSummary,
	QuestionUnusual,
}

// matchQuestions compare the page against the candidate, narrowest last.
type matchQuestions struct {
	anywhere, state, city *Question
}

func (m matchQuestions) list() []Question {
	var out []Question
	for _, q := range []*Question{m.anywhere, m.state, m.city} {
		if q != nil {
			out = append(out, *q)
		}
	}
	return out
}

func newMatchQuestions(name, city, state string) matchQuestions {
	var m matchQuestions
	if name == "" {
		return m
	}
	ask := func(subject string) *Question {
		return &Question{fmt.Sprintf(`is it primarily referring to or describing or talking about the %s event? Answer only "yes" or "no".`, subject)}
	}
	m.anywhere = ask(name)
	if state != "" {
		m.state = ask(name + " in " + state)
		if city != "" {
			m.city = ask(name + " in " + city + ", " + state)
		}
	}
	return m
}

func buildDescribePrompt(pageText string) string {
	return describePrompt + "\n\nBEGINPAGE\n\n" + pageText
}

func buildBatchPrompt(questions []Question, description string) string {
	var b strings.Builder
	b.WriteString(batchHeader)
	for i, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q.Text)
	}
	b.WriteString("\n------\n")
	b.WriteString(description)
	return b.String()
}
