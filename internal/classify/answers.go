package classify

import (
	"regexp"
	"strconv"
	"strings"
)

// unknownWindow is how far into an answer "unknown" still counts as the
// model declining to answer.
const unknownWindow = 16

var (
	reNumberedLine = regexp.MustCompile(`^\s*(\d*)\s*[:.)\-]?\s*(.*)$`)
	reYes          = regexp.MustCompile(`^(yes|true)\b`)
	reNo           = regexp.MustCompile(`^(no|false)\b`)
	reMonth        = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\b`)
)

var monthNames = map[string]string{
	"jan": "January", "feb": "February", "mar": "March", "apr": "April",
	"may": "May", "jun": "June", "jul": "July", "aug": "August",
	"sep": "September", "oct": "October", "nov": "November", "dec": "December",
}

func cleanAnswer(answer string) string {
	answer = strings.ReplaceAll(answer, `"`, "")
	return strings.TrimSpace(answer)
}

// ParseBool reads a yes/no answer. Unknown or ambiguous answers are nil.
func ParseBool(answer string) *bool {
	lower := strings.ToLower(cleanAnswer(answer))
	lower = strings.TrimLeft(lower, "'*.,:;- ")
	if i := strings.Index(lower, "unknown"); i >= 0 && i < unknownWindow {
		return nil
	}
	var v bool
	switch {
	case reYes.MatchString(lower):
		v = true
	case reNo.MatchString(lower):
		v = false
	default:
		return nil
	}
	return &v
}

// Known returns the trimmed answer, or "" when the model said it does not know.
func Known(answer string) string {
	answer = cleanAnswer(answer)
	if answer == "" || strings.HasPrefix(strings.ToLower(answer), "unknown") {
		return ""
	}
	return answer
}

// ExtractMonth returns the full name of the first month mentioned, or "".
func ExtractMonth(answer string) string {
	m := reMonth.FindStringSubmatch(answer)
	if m == nil {
		return ""
	}
	return monthNames[strings.ToLower(m[1][:3])]
}

// parsedAnswers maps 1-based question numbers to raw answers. Problems lists
// lines that could not be attributed to any question.
type parsedAnswers struct {
	answers  map[int]string
	problems []string
}

// parseAnswers reads a numbered reply to numQuestions questions. With a
// single question the number is optional and the first usable line wins.
func parseAnswers(response string, numQuestions int) parsedAnswers {
	out := parsedAnswers{answers: make(map[int]string)}
	for _, raw := range strings.Split(response, "\n") {
		line := cleanAnswer(raw)
		if line == "" {
			continue
		}
		parts := reNumberedLine.FindStringSubmatch(line)
		if numQuestions == 1 {
			answer, ok := singleAnswer(line, parts)
			if !ok {
				out.problems = append(out.problems, "invalid line: "+line)
				continue
			}
			out.answers[1] = answer
			return out
		}

		if parts == nil || strings.TrimSpace(parts[2]) == "" {
			out.problems = append(out.problems, "invalid line: "+line)
			continue
		}
		answer := strings.TrimSpace(parts[2])

		if parts[1] == "" {
			out.problems = append(out.problems, "line without number: "+line)
			continue
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 1 || n > numQuestions {
			out.problems = append(out.problems, "line with unknown number: "+line)
			continue
		}
		if _, dup := out.answers[n]; dup {
			out.problems = append(out.problems, "repeated answer: "+line)
			continue
		}
		out.answers[n] = answer
	}
	return out
}

// singleAnswer reads the reply to a lone question. The whole line is the
// answer unless it carries the label "1", so "1998" and "2023 was the last
// one" are kept intact. A bare "1." label is not an answer.
func singleAnswer(line string, parts []string) (string, bool) {
	if parts == nil || (parts[1] != "" && parts[1] != "1") {
		return line, true
	}
	rest := strings.TrimSpace(parts[2])
	switch {
	case rest != "":
		return rest, true
	case parts[1] == "1" && line != "1":
		return "", false
	default:
		return line, true
	}
}
