package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// EinoEngine runs prompts through a compiled eino chain ending in a chat model.
type EinoEngine struct {
	chain compose.Runnable[[]*schema.Message, *schema.Message]
}

// NewEinoEngine compiles a chain around chatModel.
func NewEinoEngine(ctx context.Context, chatModel model.BaseChatModel) (*EinoEngine, error) {
	chain := compose.NewChain[[]*schema.Message, *schema.Message]()
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return &EinoEngine{chain: runnable}, nil
}

// Generate implements Engine.
func (e *EinoEngine) Generate(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	var opts []compose.Option
	if maxTokens > 0 {
		opts = append(opts, compose.WithChatModelOption(model.WithMaxTokens(maxTokens)))
	}

	response, err := e.chain.Invoke(ctx, toSchemaMessages(messages), opts...)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil {
		return "", nil
	}
	return response.Content, nil
}

func toSchemaMessages(messages []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, schema.SystemMessage(msg.Content))
		case RoleAssistant:
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		default:
			out = append(out, schema.UserMessage(msg.Content))
		}
	}
	return out
}
