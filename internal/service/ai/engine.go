package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/study-buddy/backend/internal/config"
)

// ErrEngineUnavailable is returned when no provider is configured.
var ErrEngineUnavailable = errors.New("generation engine unavailable")

// Role values accepted by every engine.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prompt message handed to an engine.
type Message struct {
	Role    string
	Content string
}

// SystemMessage builds a system prompt message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user prompt message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Engine generates text for an ordered list of messages. Implementations are
// fallible and latency-variable; callers decide what an error means.
type Engine interface {
	Generate(ctx context.Context, messages []Message, maxTokens int) (string, error)
}

// NewEngine builds the engine selected by cfg.Provider.
func NewEngine(ctx context.Context, cfg config.AIConfig) (Engine, error) {
	switch strings.ToLower(cfg.Provider) {
	case config.ProviderArk:
		chatModel, err := cfg.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		return NewEinoEngine(ctx, chatModel)
	case config.ProviderOpenAI:
		if !cfg.OpenAIEnabled() {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY is required", ErrEngineUnavailable)
		}
		return NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case config.ProviderNone, "":
		return nil, ErrEngineUnavailable
	default:
		return nil, fmt.Errorf("unknown ai provider: %s", cfg.Provider)
	}
}
