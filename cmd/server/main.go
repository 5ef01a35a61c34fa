package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/listsync/pkg/auth"
	"github.com/astromechza/listsync/pkg/backend"
	"github.com/astromechza/listsync/pkg/config"
	"github.com/astromechza/listsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	issueVar := fs.String("issue-token", "", "print a bearer token for this subject and exit")
	cfg, err := config.ParseServer(fs, os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := config.Logger(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if *issueVar != "" {
		if cfg.TokenSecret == "" {
			return fmt.Errorf("a token secret is required to issue tokens")
		}
		token, err := auth.Issue([]byte(cfg.TokenSecret), *issueVar, cfg.TokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	slog.Info("Opening database", "path", cfg.Database)
	db, err := sql.Open("sqlite3", cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := backend.Open(ctx, db)
	if err != nil {
		return err
	}
	if cfg.TokenSecret == "" {
		slog.Warn("no token secret configured, requests are not authenticated")
	}
	server := backend.NewServer(store, backend.NewHub(), []byte(cfg.TokenSecret), cfg.PingInterval)

	httpServer := &http.Server{
		Addr:        cfg.Addr,
		Handler:     server.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return store.Run(egCtx, cfg.BackupInterval)
	})
	eg.Go(func() error {
		slog.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(exit)
		select {
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
		case <-egCtx.Done():
		}
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	})
	runErr := eg.Wait()

	if cfg.DumpOnExit {
		dump(store)
	}
	return runErr
}

func dump(store *backend.Store) {
	doc, err := store.Fork()
	if err != nil {
		slog.Error("failed to fork", "err", err)
		return
	}
	tf := filepath.Join(os.TempDir(), doc.ActorID()+".automerge")
	if err := os.WriteFile(tf, doc.Save(), 0o644); err != nil {
		slog.Error("failed to dump", "err", err)
		return
	}
	slog.Info("dumped", "path", tf)
	if svgPath, err := viz.RenderToTemp(doc); err != nil {
		slog.Error("failed to render", "err", err)
	} else {
		slog.Info("rendered", "path", "file://"+svgPath)
	}
}
