package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/client"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/spf13/cobra"
)

func newSocketCommand(root *rootOptions) *cobra.Command {
	var reconnect bool

	cmd := &cobra.Command{
		Use:   "socket [prompt...]",
		Short: "Send prompts over one persistent socket channel",
		Long: "Open a socket channel, send every prompt over it and print the replies as they stream. " +
			"Prompts are read from stdin, one per line, when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := root.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout())
			states := make(chan models.ConnectionState, 16)
			reducer := client.NewReducer(client.ModeChannel,
				client.WithGreeting(client.SocketGreeting),
				client.WithMessageObserver(p.onMessage),
				client.WithStateObserver(func(s models.ConnectionState) {
					select {
					case states <- s:
					default:
					}
				}))
			p.greet(reducer.Messages())

			transport, err := client.NewSocketTransport(root.server, reducer, logger)
			if err != nil {
				return err
			}
			if err := transport.Connect(cmd.Context()); err != nil {
				return err
			}
			defer transport.Close()

			for prompt, err := range prompts(args, cmd.InOrStdin()) {
				if err != nil {
					return err
				}

				if reducer.State() != models.StateConnected {
					if !reconnect {
						return fmt.Errorf("connection %s: %s", reducer.State(), reducer.LastError())
					}
					logger.Info("Reconnecting", slog.String("state", string(reducer.State())))
					if err := transport.Reconnect(cmd.Context()); err != nil {
						return err
					}
				}

				p.user(prompt)
				if err := transport.Send(prompt); err != nil {
					logger.Warn("Failed to send message", slog.String("err", err.Error()))
					continue
				}
				if err := waitReply(cmd.Context(), p, states); err != nil {
					logger.Warn("Reply interrupted", slog.String("err", err.Error()))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "Reconnect before the next prompt when the channel was lost")

	return cmd
}

var errChannelLost = errors.New("channel lost")

// waitReply blocks until a reply finishes or the channel goes away.
func waitReply(ctx context.Context, p *printer, states <-chan models.ConnectionState) error {
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		select {
		case <-p.finished:
			return nil
		case s := <-states:
			if s == models.StateError || s == models.StateDisconnected {
				return fmt.Errorf("%w: %s", errChannelLost, s)
			}
		case <-timer.C:
			return errors.New("timed out waiting for reply")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
