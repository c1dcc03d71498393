package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"

	"github.com/felipepmaragno/bizcard/internal/chatclient"
	"github.com/spf13/cobra"
)

var (
	endpoint string
	tenantID string

	rootCmd = &cobra.Command{
		Use:   "bizcard-chat [question]",
		Short: "Chat with a business card assistant from the terminal",
		Long: `Streams answers from a bizcard relay. With a question argument a single
turn is sent; without one an interactive session starts. Ctrl-C stops the
answer being streamed, a second Ctrl-C at the prompt exits.`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE:         runChatCommand,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&endpoint, "endpoint", "e", envOr("BIZCARD_ENDPOINT", "http://localhost:8080/relay"),
		"Relay endpoint URL")
	rootCmd.Flags().StringVarP(&tenantID, "tenant", "t", os.Getenv("BIZCARD_TENANT"),
		"Business id to chat with")
}

func runChatCommand(cmd *cobra.Command, args []string) error {
	if tenantID == "" {
		return errors.New("--tenant is required")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s := newChatSession(chatclient.NewConsumer(chatclient.New(endpoint)), tenantID, cmd.OutOrStdout())

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			if !s.interrupt() {
				cancel()
				return
			}
		}
	}()

	if len(args) > 0 {
		return s.turn(ctx, strings.Join(args, " "))
	}
	return s.repl(ctx, cmd.InOrStdin())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
