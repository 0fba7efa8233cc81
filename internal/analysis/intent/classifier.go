// Package intent maps a raw learner message onto the single action the session
// state machine should run. Classification is a fixed, ordered rule table: it is
// local and deterministic so that every request costs exactly one model call.
package intent

import (
	"regexp"
	"strings"

	"github.com/zhouzirui/study-buddy/backend/internal/model/study"
)

// Analysis words and pronouns must stand alone ("my" is not in "myth"); the
// other sets match anywhere, so "studying" and "plans" still count.
var (
	analyzeWords  = keywords("analyze", "analyse", "pattern", "habit", "trend", "history")
	selfReference = keywords("we", "i", "me", "my")

	outcomeWords = fragments{"finished", "completed", "done", "did it", "failed", "stuck", "fell behind"}
	planWords    = fragments{"plan", "schedule", "agenda", "block", "timetable", "routine"}
	adjustWords  = fragments{"change", "adjust", "revise", "modify", "tweak", "shorter", "longer"}
	studyWords   = fragments{"study", "learn", "review", "prep", "prepare"}
	questionPlan = fragments{"plan", "schedule", "session", "block"}
)

var affirmations = map[string]struct{}{
	"ok":       {},
	"okay":     {},
	"sure":     {},
	"fine":     {},
	"yes":      {},
	"go ahead": {},
	"do it":    {},
}

// questionMarks are the terminal characters accepted as a question ending.
const questionMarks = "?？⁇⁈‽"

// input is what every rule sees: the state plus the lower-cased, trimmed message.
type input struct {
	state   *study.UserState
	message string
}

func (in input) hasActiveSession() bool {
	return in.state != nil && in.state.LastSession() != nil
}

// rule pairs a predicate with the action it selects.
type rule struct {
	name    string
	matches func(in input) bool
	action  func(in input) study.Action
}

func always(action study.Action) func(input) study.Action {
	return func(input) study.Action { return action }
}

// rules is evaluated top to bottom; the first match wins.
var rules = []rule{
	{
		name:    "analyze",
		matches: func(in input) bool { return analyzeWords.MatchString(in.message) },
		action:  always(study.ActionAnalyzePattern),
	},
	{
		name: "outcome",
		matches: func(in input) bool {
			return in.hasActiveSession() && outcomeWords.foundIn(in.message)
		},
		action: always(study.ActionLogOutcome),
	},
	{
		name:    "plan",
		matches: func(in input) bool { return planWords.foundIn(in.message) },
		action: func(in input) study.Action {
			if in.hasActiveSession() {
				return study.ActionRevisePlan
			}
			return study.ActionCreatePlan
		},
	},
	{
		name: "adjust",
		matches: func(in input) bool {
			return in.hasActiveSession() && adjustWords.foundIn(in.message)
		},
		action: always(study.ActionRevisePlan),
	},
	{
		name:    "affirmation",
		matches: func(in input) bool { return IsAffirmation(in.message) },
		action:  always(study.ActionGeneralChat),
	},
	{
		name:    "study",
		matches: func(in input) bool { return studyWords.foundIn(in.message) },
		action:  always(study.ActionCreatePlan),
	},
	{
		name:    "question",
		matches: func(in input) bool { return IsDirectQuestion(in.message) },
		action:  always(study.ActionDirectAnswer),
	},
}

// Classify returns the action for message given the current state. It is pure and
// total: any message, including the empty string, yields exactly one action.
func Classify(state *study.UserState, message string) study.Action {
	action, _ := Explain(state, message)
	return action
}

// Explain is Classify plus the name of the rule that fired ("fallback" when none did).
func Explain(state *study.UserState, message string) (study.Action, string) {
	in := input{state: state, message: normalize(message)}
	for _, r := range rules {
		if r.matches(in) {
			return r.action(in), r.name
		}
	}
	return study.ActionGeneralChat, "fallback"
}

// IsAffirmation reports whether the whole message is a short agreement such as
// "ok" or "go ahead". Substrings never count: "yesterday" is not "yes".
func IsAffirmation(message string) bool {
	_, ok := affirmations[normalize(message)]
	return ok
}

// IsDirectQuestion reports whether message is a factual question rather than a
// personal request: it ends in a question mark, names no planning term and
// carries no first-person pronoun.
func IsDirectQuestion(message string) bool {
	normalized := normalize(message)
	if normalized == "" {
		return false
	}
	last, _ := lastRune(normalized)
	if !strings.ContainsRune(questionMarks, last) {
		return false
	}
	return !questionPlan.foundIn(normalized) && !selfReference.MatchString(normalized)
}

func normalize(message string) string {
	return strings.Join(strings.Fields(strings.ToLower(message)), " ")
}

func lastRune(s string) (rune, bool) {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0, false
	}
	return runes[len(runes)-1], true
}

// fragments matches when the normalized message contains any of its entries.
type fragments []string

func (f fragments) foundIn(message string) bool {
	for _, fragment := range f {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

// keywords compiles a whole-word alternation; multi-word phrases tolerate any run
// of whitespace between their words.
func keywords(words ...string) *regexp.Regexp {
	parts := make([]string, 0, len(words))
	for _, word := range words {
		fields := strings.Fields(word)
		for i, field := range fields {
			fields[i] = regexp.QuoteMeta(field)
		}
		parts = append(parts, strings.Join(fields, `\s+`))
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(parts, "|") + `)\b`)
}
