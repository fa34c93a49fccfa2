package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	server   string
	logLevel string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "streamchat",
		Short:        "Chat with a streamchat server and print replies as they stream in",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.server, "server", "s", "http://localhost:3000", "Base URL of the server")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newSSECommand(opts), newSocketCommand(opts))
	return cmd
}

func (o *rootOptions) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// prompts yields the positional arguments, or the non-blank lines of in when there are none.
func prompts(args []string, in io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if len(args) > 0 {
			for _, a := range args {
				if !yield(a, nil) {
					return
				}
			}
			return
		}

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !yield(line, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("error reading prompts: %w", err))
		}
	}
}

// printer writes assistant text as it grows, one delta at a time, and signals when a reply finishes.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[int64]string

	finished chan int64
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:      out,
		printed:  map[int64]string{},
		finished: make(chan int64, 16),
	}
}

func (p *printer) onMessage(msg models.ChatMessage) {
	if msg.Sender != models.SenderAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prev, seen := p.printed[msg.ID]
	if !seen {
		fmt.Fprint(p.out, "assistant> ")
	}
	if strings.HasPrefix(msg.Text, prev) {
		fmt.Fprint(p.out, msg.Text[len(prev):])
	} else {
		// The text was replaced by the error text.
		fmt.Fprint(p.out, "\n"+msg.Text)
	}
	p.printed[msg.ID] = msg.Text

	if !msg.Streaming {
		fmt.Fprintln(p.out)
		select {
		case p.finished <- msg.ID:
		default:
		}
	}
}

// greet prints the messages already in the conversation without signalling completion.
func (p *printer) greet(msgs []models.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range msgs {
		fmt.Fprintf(p.out, "%s> %s\n", m.Sender, m.Text)
		p.printed[m.ID] = m.Text
	}
}

func (p *printer) user(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "user> %s\n", text)
}
