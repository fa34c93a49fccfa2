package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/client"
	"github.com/spf13/cobra"
)

func newSSECommand(root *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sse [prompt...]",
		Short: "Send every prompt as its own Server-Sent Events request",
		Long: "Send every prompt as its own Server-Sent Events request and print the reply as it streams. " +
			"Prompts are read from stdin, one per line, when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := root.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout())
			reducer := client.NewReducer(client.ModeRequest,
				client.WithGreeting(client.SSEGreeting),
				client.WithMessageObserver(p.onMessage))
			p.greet(reducer.Messages())

			transport := client.NewSSETransport(root.server, &http.Client{Timeout: timeout}, reducer, logger)

			for prompt, err := range prompts(args, cmd.InOrStdin()) {
				if err != nil {
					return err
				}
				p.user(prompt)
				if err := transport.Send(cmd.Context(), prompt); err != nil {
					logger.Warn("Reply failed", slog.String("err", err.Error()))
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Upper bound for a single reply")

	return cmd
}
