package study

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedRecord marks a stored record that is not a JSON object at all.
var ErrMalformedRecord = errors.New("malformed state record")

// record is the persisted shape of UserState.
type record struct {
	Profile       Profile   `json:"profile"`
	RecentHistory []Turn    `json:"recentHistory"`
	LastSession   *Session  `json:"lastSession"`
	Sessions      []Session `json:"sessions"`
	LastAnalysis  *string   `json:"lastAnalysis"`
}

// MarshalJSON writes the state in its stored shape, materializing lastSession
// from the session log.
func (s UserState) MarshalJSON() ([]byte, error) {
	rec := record{
		Profile: Profile{
			PrefersShortSentences: s.Profile.PrefersShortSentences,
			WeakAreas:             nonNil(s.Profile.WeakAreas),
		},
		RecentHistory: nonNil(s.RecentHistory),
		LastSession:   s.LastSession(),
		Sessions:      nonNil(s.Sessions),
		LastAnalysis:  s.LastAnalysis,
	}
	return json.Marshal(rec)
}

// Encode serializes state for the store. The output is deterministic, so a record
// produced by Encode survives Decode followed by Encode byte for byte.
func Encode(state *UserState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// Decode normalizes a stored record into a fully populated state. Every field is
// decoded on its own and falls back to its default when missing or mistyped, so the
// returned state is always usable. A non-nil error describes what was defaulted.
func Decode(raw []byte) (*UserState, error) {
	state := NewState()
	if len(bytes.TrimSpace(raw)) == 0 {
		return state, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return state, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	// sessions must be decoded before lastSession binds to them.
	return state, errors.Join(
		decodeProfile(fields["profile"], &state.Profile),
		decodeHistory(fields["recentHistory"], state),
		decodeSessions(fields["sessions"], state),
		decodeLastSession(fields["lastSession"], state),
		decodeInto(fields["lastAnalysis"], &state.LastAnalysis, "lastAnalysis"),
	)
}

func decodeProfile(raw json.RawMessage, profile *Profile) error {
	var fields map[string]json.RawMessage
	if err := decodeInto(raw, &fields, "profile"); err != nil {
		return err
	}
	return errors.Join(
		decodeInto(fields["prefersShortSentences"], &profile.PrefersShortSentences, "profile.prefersShortSentences"),
		decodeInto(fields["weakAreas"], &profile.WeakAreas, "profile.weakAreas"),
	)
}

func decodeHistory(raw json.RawMessage, state *UserState) error {
	var items []json.RawMessage
	if err := decodeInto(raw, &items, "recentHistory"); err != nil {
		return err
	}

	var issues []error
	for i, item := range items {
		var turn Turn
		if err := json.Unmarshal(item, &turn); err != nil {
			issues = append(issues, fmt.Errorf("recentHistory[%d]: %w", i, err))
			continue
		}
		if turn.Role != RoleUser && turn.Role != RoleAssistant {
			issues = append(issues, fmt.Errorf("recentHistory[%d]: unknown role %q", i, turn.Role))
			continue
		}
		state.RecentHistory = append(state.RecentHistory, turn)
	}
	state.RecentHistory = trimHistory(state.RecentHistory)
	return errors.Join(issues...)
}

func decodeSessions(raw json.RawMessage, state *UserState) error {
	var items []json.RawMessage
	if err := decodeInto(raw, &items, "sessions"); err != nil {
		return err
	}

	var issues []error
	for i, item := range items {
		var session Session
		if err := json.Unmarshal(item, &session); err != nil {
			issues = append(issues, fmt.Errorf("sessions[%d]: %w", i, err))
			continue
		}
		state.Sessions = append(state.Sessions, session)
	}
	return errors.Join(issues...)
}

// decodeLastSession binds the stored lastSession to its entry in the log. Legacy
// records whose lastSession is missing from the log get it appended.
func decodeLastSession(raw json.RawMessage, state *UserState) error {
	var last *Session
	if err := decodeInto(raw, &last, "lastSession"); err != nil {
		return err
	}
	if last == nil {
		return nil
	}

	for i := len(state.Sessions) - 1; i >= 0; i-- {
		entry := &state.Sessions[i]
		if entry.ID != last.ID {
			continue
		}
		if entry.OutcomeNote == nil && last.OutcomeNote != nil {
			entry.OutcomeNote = last.OutcomeNote
		}
		state.setActive(entry.ID)
		return nil
	}

	state.AppendSession(*last)
	return nil
}

func decodeInto[T any](raw json.RawMessage, dst *T, field string) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var value T
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = value
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
