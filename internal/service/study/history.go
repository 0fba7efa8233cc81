package study

import (
	"strings"

	"github.com/zhouzirui/study-buddy/backend/internal/model/study"
)

const noHistory = "(no prior conversation)"

// FormatHistory renders turns oldest first as "User: ..." / "Assistant: ..." lines.
func FormatHistory(turns []study.Turn) string {
	var builder strings.Builder
	for _, turn := range turns {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(roleLabel(turn.Role))
		builder.WriteString(": ")
		builder.WriteString(content)
	}
	if builder.Len() == 0 {
		return noHistory
	}
	return builder.String()
}

func roleLabel(role study.Role) string {
	if role == study.RoleAssistant {
		return "Assistant"
	}
	return "User"
}
