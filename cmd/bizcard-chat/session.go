package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/felipepmaragno/bizcard/internal/chatclient"
	"github.com/felipepmaragno/bizcard/internal/domain"
)

const prompt = "> "

// chatSession keeps the conversation history for one terminal session.
// Only completed turns are kept; a failed or aborted turn is forgotten.
type chatSession struct {
	consumer *chatclient.Consumer
	tenantID string
	out      io.Writer
	history  []domain.Message
}

func newChatSession(consumer *chatclient.Consumer, tenantID string, out io.Writer) *chatSession {
	return &chatSession{consumer: consumer, tenantID: tenantID, out: out}
}

// interrupt aborts the streaming answer. It reports false when nothing was
// streaming.
func (s *chatSession) interrupt() bool {
	if !s.consumer.State().IsLoading {
		return false
	}
	s.consumer.Abort()
	return true
}

func (s *chatSession) turn(ctx context.Context, text string) error {
	messages := append(slices.Clone(s.history), domain.Message{Role: domain.RoleUser, Content: text})

	var answer string
	var turnErr error
	s.consumer.Send(ctx, s.tenantID, messages, chatclient.Callbacks{
		OnChunk: func(delta, full string) {
			fmt.Fprint(s.out, delta)
			answer = full
		},
		OnDone: func(usage *domain.Usage) {
			fmt.Fprintln(s.out)
			if usage != nil {
				fmt.Fprintf(s.out, "[%d prompt + %d completion tokens]\n", usage.PromptTokens, usage.CompletionTokens)
			}
		},
		OnError: func(err error) {
			turnErr = err
		},
	})

	switch {
	case turnErr == nil:
		s.history = append(messages, domain.Message{Role: domain.RoleAssistant, Content: answer})
		return nil
	case errors.Is(turnErr, chatclient.ErrAborted):
		fmt.Fprintln(s.out, "\n[stopped]")
		return nil
	default:
		fmt.Fprintln(s.out)
		return turnErr
	}
}

// repl reads one question per line until EOF, "exit" or ctx is cancelled.
// Turn errors are printed and the session continues.
func (s *chatSession) repl(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		fmt.Fprint(s.out, prompt)

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			fmt.Fprintln(s.out)
			return nil
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if err := s.turn(ctx, line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}
