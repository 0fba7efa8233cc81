package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/study-buddy/backend/internal/model/study"
	"github.com/zhouzirui/study-buddy/backend/internal/service/chat"
	studyservice "github.com/zhouzirui/study-buddy/backend/internal/service/study"
	"github.com/zhouzirui/study-buddy/backend/internal/store"
)

func TestRunChat(t *testing.T) {
	svc := chat.NewService(store.NewMemory(), studyservice.NewMachine(nil))
	in := strings.NewReader("I have 60 minutes to study graphs.\nwhat is a heap?\n/quit\nnever sent\n")
	var out bytes.Buffer

	require.NoError(t, runChat(context.Background(), svc, "learner", in, &out, plainRenderer))

	text := out.String()
	assert.Contains(t, text, "[create_plan]\n"+studyservice.Fallback(study.ActionCreatePlan))
	assert.Contains(t, text, "[direct_answer]")
	assert.NotContains(t, text, "general_chat")

	state, err := svc.State(context.Background(), "learner")
	require.NoError(t, err)
	assert.Len(t, state.RecentHistory, 4)
}

type failingHandler struct{}

func (failingHandler) Handle(context.Context, string, string) (chat.Result, error) {
	return chat.Result{}, chat.ErrStoreUnavailable
}

func TestRunChatStopsOnError(t *testing.T) {
	err := runChat(context.Background(), failingHandler{}, "learner", strings.NewReader("hello\n"), &bytes.Buffer{}, plainRenderer)
	assert.True(t, errors.Is(err, chat.ErrStoreUnavailable))
}

func TestRenderFailureFallsBackToPlainText(t *testing.T) {
	svc := chat.NewService(store.NewMemory(), studyservice.NewMachine(nil))
	var out bytes.Buffer
	render := func(string) (string, error) { return "", errors.New("no terminal") }

	require.NoError(t, runChat(context.Background(), svc, "learner", strings.NewReader("hello\n"), &out, render))
	assert.Contains(t, out.String(), studyservice.Fallback(study.ActionGeneralChat))
}
