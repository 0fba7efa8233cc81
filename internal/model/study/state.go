package study

// Action names the classified intent that drives a state transition.
type Action string

const (
	ActionAnalyzePattern Action = "analyze_pattern"
	ActionLogOutcome     Action = "log_outcome"
	ActionCreatePlan     Action = "create_plan"
	ActionRevisePlan     Action = "revise_plan"
	ActionDirectAnswer   Action = "direct_answer"
	ActionGeneralChat    Action = "general_chat"
)

// Actions lists every action in classifier priority order.
func Actions() []Action {
	return []Action{
		ActionAnalyzePattern,
		ActionLogOutcome,
		ActionCreatePlan,
		ActionRevisePlan,
		ActionDirectAnswer,
		ActionGeneralChat,
	}
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	for _, known := range Actions() {
		if a == known {
			return true
		}
	}
	return false
}

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxRecentHistory bounds the short-term conversation window.
const MaxRecentHistory = 8

// Profile carries long-lived learner preferences.
type Profile struct {
	PrefersShortSentences bool     `json:"prefersShortSentences"`
	WeakAreas             []string `json:"weakAreas"`
}

// Turn is one message in the recent history window.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Session is one generated study plan plus the outcome the learner reported for it.
type Session struct {
	ID          string  `json:"id"`
	Timestamp   int64   `json:"timestamp"`
	Goal        string  `json:"goal"`
	Action      Action  `json:"action"`
	Plan        string  `json:"plan"`
	OutcomeNote *string `json:"outcomeNote"`
}

// UserState is the per-user aggregate persisted between requests.
//
// The active session is not stored as a separate copy: it is a reference (by id)
// into Sessions, so outcome notes can never diverge between the two.
type UserState struct {
	Profile       Profile
	RecentHistory []Turn
	Sessions      []Session
	LastAnalysis  *string

	hasActive     bool
	lastSessionID string
}

// NewState returns a state populated with schema defaults.
func NewState() *UserState {
	return &UserState{
		Profile:       Profile{WeakAreas: []string{}},
		RecentHistory: []Turn{},
		Sessions:      []Session{},
	}
}

// LastSession returns the active session, or nil when no plan has been made.
func (s *UserState) LastSession() *Session {
	if !s.hasActive {
		return nil
	}
	for i := len(s.Sessions) - 1; i >= 0; i-- {
		if s.Sessions[i].ID == s.lastSessionID {
			return &s.Sessions[i]
		}
	}
	return nil
}

// AppendSession adds session to the log and makes it the active session.
func (s *UserState) AppendSession(session Session) {
	s.Sessions = append(s.Sessions, session)
	s.setActive(session.ID)
}

// RecordOutcome attaches note to the most recent session. It reports false when
// there is no session to attach it to.
func (s *UserState) RecordOutcome(note string) bool {
	if len(s.Sessions) == 0 {
		return false
	}
	last := &s.Sessions[len(s.Sessions)-1]
	last.OutcomeNote = stringPtr(note)
	if active := s.LastSession(); active != nil && active != last {
		active.OutcomeNote = stringPtr(note)
	}
	return true
}

// RecentSessions returns at most n sessions, oldest first.
func (s *UserState) RecentSessions(n int) []Session {
	if n <= 0 || len(s.Sessions) == 0 {
		return nil
	}
	start := len(s.Sessions) - n
	if start < 0 {
		start = 0
	}
	return s.Sessions[start:]
}

// SetAnalysis caches the latest pattern analysis.
func (s *UserState) SetAnalysis(text string) {
	s.LastAnalysis = stringPtr(text)
}

// AppendTurns adds turns to the history window and evicts the oldest beyond MaxRecentHistory.
func (s *UserState) AppendTurns(turns ...Turn) {
	s.RecentHistory = trimHistory(append(s.RecentHistory, turns...))
}

// Clone returns a deep copy of the state.
func (s *UserState) Clone() *UserState {
	out := &UserState{
		Profile: Profile{
			PrefersShortSentences: s.Profile.PrefersShortSentences,
			WeakAreas:             append([]string{}, s.Profile.WeakAreas...),
		},
		RecentHistory: append([]Turn{}, s.RecentHistory...),
		Sessions:      make([]Session, len(s.Sessions)),
		hasActive:     s.hasActive,
		lastSessionID: s.lastSessionID,
	}
	for i, session := range s.Sessions {
		if session.OutcomeNote != nil {
			session.OutcomeNote = stringPtr(*session.OutcomeNote)
		}
		out.Sessions[i] = session
	}
	if s.LastAnalysis != nil {
		out.LastAnalysis = stringPtr(*s.LastAnalysis)
	}
	return out
}

func (s *UserState) setActive(id string) {
	s.hasActive = true
	s.lastSessionID = id
}

func trimHistory(turns []Turn) []Turn {
	if len(turns) <= MaxRecentHistory {
		return turns
	}
	trimmed := make([]Turn, MaxRecentHistory)
	copy(trimmed, turns[len(turns)-MaxRecentHistory:])
	return trimmed
}

func stringPtr(v string) *string {
	return &v
}
