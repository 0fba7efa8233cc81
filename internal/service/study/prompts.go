package study

import (
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/study-buddy/backend/internal/model/study"
)

// Output budgets per action, in tokens. Plans get a generous budget because
// truncated bullet lists were the most common failure.
const (
	planTokens     = 2048
	outcomeTokens  = 256
	analysisTokens = 400
	answerTokens   = 300
	chatTokens     = 512
)

// analysisWindow bounds how many sessions are shown to pattern analysis.
const analysisWindow = 10

const noActivePlan = "No active plan."

var fallbacks = map[study.Action]string{
	study.ActionCreatePlan:     "Could not generate plan.",
	study.ActionRevisePlan:     "Could not revise plan.",
	study.ActionLogOutcome:     "Logged your progress. Could not generate feedback right now.",
	study.ActionAnalyzePattern: "Could not analyze your study history right now.",
	study.ActionDirectAnswer:   "Could not answer that right now.",
	study.ActionGeneralChat:    "I'm here. Want to plan your next study session?",
}

// Fallback returns the fixed reply used when generation fails for action.
func Fallback(action study.Action) string {
	if text, ok := fallbacks[action]; ok {
		return text
	}
	return fallbacks[study.ActionGeneralChat]
}

func describeProfile(profile study.Profile) string {
	var parts []string
	if profile.PrefersShortSentences {
		parts = append(parts, "prefers short sentences")
	} else {
		parts = append(parts, "no sentence-length preference")
	}
	if len(profile.WeakAreas) > 0 {
		parts = append(parts, "weak areas: "+strings.Join(profile.WeakAreas, ", "))
	} else {
		parts = append(parts, "no known weak areas")
	}
	return strings.Join(parts, "; ")
}

func describeSession(session *study.Session) string {
	if session == nil {
		return "none"
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "goal: %s\nplan:\n%s", session.Goal, session.Plan)
	if session.OutcomeNote != nil {
		fmt.Fprintf(&builder, "\nreported outcome: %s", *session.OutcomeNote)
	}
	return builder.String()
}

func describeSessions(sessions []study.Session) string {
	if len(sessions) == 0 {
		return "(no sessions yet)"
	}
	var builder strings.Builder
	for i, session := range sessions {
		if i > 0 {
			builder.WriteString("\n")
		}
		outcome := "not reported"
		if session.OutcomeNote != nil {
			outcome = *session.OutcomeNote
		}
		fmt.Fprintf(&builder, "%d. [%s] %s | goal: %s | outcome: %s",
			i+1,
			time.UnixMilli(session.Timestamp).UTC().Format(time.RFC3339),
			session.Action,
			session.Goal,
			outcome,
		)
	}
	return builder.String()
}

func createPlanPrompt(state *study.UserState) string {
	return fmt.Sprintf(`You are a focused study coach who writes concrete study plans.

Learner profile: %s

Current plan:
%s

Recent conversation:
%s

Rules:
- If the topic, time available or constraints are missing from the latest message, infer them from the recent conversation.
- For multi-week goals, give a short high-level breakdown first, then a detailed plan for the first session only.
- Use a bulleted list with time boxes. Be concrete: name exercises, problems and checkpoints.
- Do not ask more than one clarifying question.`,
		describeProfile(state.Profile),
		describeSession(state.LastSession()),
		FormatHistory(state.RecentHistory),
	)
}

func revisePlanPrompt(state *study.UserState) string {
	plan := noActivePlan
	if last := state.LastSession(); last != nil {
		plan = last.Plan
	}
	return fmt.Sprintf(`You are a study coach revising an existing plan.

Learner profile: %s

Existing plan:
%s

Rewrite the plan as a new bulleted list that applies the learner's requested adjustment.
Keep what still works, change what they asked for, and keep time boxes explicit.`,
		describeProfile(state.Profile),
		plan,
	)
}

func logOutcomePrompt(state *study.UserState) string {
	plan := noActivePlan
	if last := state.LastSession(); last != nil {
		plan = last.Plan
	}
	return fmt.Sprintf(`You are a study coach reviewing how a session went.

Plan the learner followed:
%s

Reply with exactly one sentence of feedback on the reported outcome, then one concrete tip for the next session.`,
		plan,
	)
}

func analyzePrompt(state *study.UserState) string {
	return fmt.Sprintf(`You are a study coach looking for patterns across sessions.

Sessions, oldest first:
%s

Name 2-3 behavioral trends you see, then give 1-2 concrete suggestions. Keep it brief.`,
		describeSessions(state.RecentSessions(analysisWindow)),
	)
}

func directAnswerPrompt() string {
	return `Answer the question factually and concisely in at most 3 sentences.
Do not offer a study plan.`
}

func generalChatPrompt(state *study.UserState) string {
	return fmt.Sprintf(`You are a friendly study coach.

Learner profile: %s

Recent conversation:
%s

Rules:
- Steer toward a concrete next planning step, such as proposing a session or a time box.
- If the learner replies with a short affirmation like "ok" or "sure", treat it as agreement with your previous suggestion and act on it.
- Do not stall in small talk; keep replies short.`,
		describeProfile(state.Profile),
		FormatHistory(state.RecentHistory),
	)
}
