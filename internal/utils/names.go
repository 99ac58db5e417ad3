package utils

import (
	"strings"
)

// minNormalizedNameLen keeps prefix stripping from eating short names whole.
const minNormalizedNameLen = 9

var stateSynonyms = [][]string{
	{"alabama", "al"},
	{"alaska", "ak"},
	{"arizona", "az"},
	{"arkansas", "ar"},
	{"california", "ca"},
	{"colorado", "co"},
	{"connecticut", "ct"},
	{"delaware", "de"},
	{"florida", "fl"},
	{"georgia", "ga"},
	{"hawaii", "hi"},
	{"idaho", "id"},
	{"illinois", "il"},
	{"indiana", "in"},
	{"iowa", "ia"},
	{"kansas", "ks"},
	{"kentucky", "ky"},
	{"louisiana", "la"},
	{"maine", "me"},
	{"maryland", "md"},
	{"massachusetts", "ma"},
	{"michigan", "mi"},
	{"minnesota", "mn"},
	{"mississippi", "ms"},
	{"missouri", "mo"},
	{"montana", "mt"},
	{"nebraska", "ne"},
	{"nevada", "nv"},
	{"new hampshire", "nh", "n.h.", "n. h."},
	{"new jersey", "nj", "n.j.", "n. j."},
	{"new mexico", "nm", "n.m.", "n. m."},
	{"new york", "ny", "n.y.", "n. y."},
	{"north carolina", "nc", "n.c.", "n. c."},
	{"north dakota", "nd", "n.d.", "n. d."},
	{"ohio", "oh"},
	{"oklahoma", "ok"},
	{"oregon", "or"},
	{"pennsylvania", "pa"},
	{"rhode island", "ri", "r.i.", "r. i."},
	{"south carolina", "sc", "s.c.", "s. c."},
	{"south dakota", "sd", "s.d.", "s. d."},
	{"tennessee", "tn"},
	{"texas", "tx"},
	{"utah", "ut"},
	{"vermont", "vt"},
	{"virginia", "va"},
	{"washington", "wa"},
	{"west virginia", "wv", "w.v.", "w. v."},
	{"wisconsin", "wi"},
	{"wyoming", "wy"},
}

var namePrefixes = []string{
	" ", ".", "-", "’s", "'s", "’", "'", "*",
	"international", "national", "annual", "yearly", "world", "state", "us", "the",
}

func stateRow(state string) []string {
	lowered := strings.ToLower(strings.TrimSpace(state))
	for _, row := range stateSynonyms {
		for _, synonym := range row {
			if synonym == lowered {
				return row
			}
		}
	}
	return nil
}

// NormalizeState maps "nc", "N.C." or "north carolina" to "NORTH CAROLINA".
// Unknown states are returned unchanged.
func NormalizeState(state string) string {
	if row := stateRow(state); row != nil {
		return strings.ToUpper(row[0])
	}
	return state
}

// NormalizeName strips filler prefixes such as "The Annual" and the event's
// own city or state from the front of its name.
func NormalizeName(name, city, state string) string {
	prefixes := append([]string(nil), namePrefixes...)
	if city != "" {
		prefixes = append(prefixes, city)
	}
	if state != "" {
		if row := stateRow(state); row != nil {
			prefixes = append(prefixes, row...)
		} else {
			prefixes = append(prefixes, state)
		}
	}
	return stripPrefixes(name, prefixes, minNormalizedNameLen)
}

func stripPrefixes(s string, prefixes []string, minLen int) string {
	for {
		stripped := false
		for _, prefix := range prefixes {
			if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
				continue
			}
			rest := s[len(prefix):]
			if len(rest) < minLen || splitsWord(prefix, rest) {
				continue
			}
			s = rest
			stripped = true
			break
		}
		if !stripped {
			return s
		}
	}
}

// splitsWord keeps "the" from matching the start of "Theater".
func splitsWord(prefix, rest string) bool {
	return isLetter(prefix[len(prefix)-1]) && rest != "" && isLetter(rest[0])
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// SubmissionIdentity is the dedupe key for submissions.
func SubmissionIdentity(name, city, state string) string {
	return strings.ToLower(strings.Join([]string{
		strings.TrimSpace(NormalizeName(name, city, state)),
		strings.TrimSpace(city),
		NormalizeState(state),
	}, "|"))
}
