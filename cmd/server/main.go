package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgFlag := flag.String("config", "", "path to the yaml config file")
	flag.Parse()

	cfgPath, explicit := *cfgFlag, *cfgFlag != ""
	if !explicit {
		p, err := defaultConfigPath()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfgPath = p
	}

	cfg, err := loadConfig(cfgPath, explicit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server stopped", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	tokenizer := services.NewTokenizer(cfg.Generator.Fragments, cfg.Generator.Pick, nil)
	m := handlers.NewMain(tokenizer, cfg.handlersConfig(), logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Hijacked socket connections are not tracked by srv.Shutdown, so the streams are stopped here.
	srv.RegisterOnShutdown(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to stop streams", slog.String("err", err.Error()))
		}
	})

	// Binding before serving makes an unusable port fail the process right away.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", srv.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server starting", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
		return nil
	})

	return g.Wait()
}
