package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/zhouzirui/study-buddy/backend/internal/service/chat"
)

// handler is the part of the chat service the loop needs.
type handler interface {
	Handle(ctx context.Context, userID, message string) (chat.Result, error)
}

// runChat sends each input line to svc and writes the rendered reply to out.
// It stops at EOF or on a line reading "/quit".
func runChat(ctx context.Context, svc handler, user string, in io.Reader, out io.Writer, render func(string) (string, error)) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), 64<<10)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" {
			return nil
		}

		result, err := svc.Handle(ctx, user, line)
		if err != nil {
			return err
		}

		rendered, err := render(result.Reply)
		if err != nil {
			rendered = result.Reply + "\n"
		}
		if _, err := fmt.Fprintf(out, "[%s]\n%s", result.Action, rendered); err != nil {
			return err
		}
	}
	return scanner.Err()
}
