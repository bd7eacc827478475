// Package app wires the engine together: store, registry, dispatcher,
// websocket endpoint and REST surface behind one HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tutorlink/internal/api"
	"tutorlink/internal/auth"
	"tutorlink/internal/config"
	"tutorlink/internal/dispatcher"
	"tutorlink/internal/store"
	ws "tutorlink/internal/websocket"
)

type Application struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	server     *http.Server
}

func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	verifier := auth.NewVerifier(cfg.AuthSecret)
	registry := ws.NewRegistry()
	disp := dispatcher.New(registry, st, logger)

	router := chi.NewRouter()
	router.Handle("/ws", ws.NewHandler(verifier, disp, logger))
	router.Mount("/", api.NewServer(st, verifier, registry, logger).Routes())

	return &Application{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		dispatcher: disp,
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until the context is cancelled, then drains in-flight
// requests and closes the store. Blocking.
func (a *Application) Run(ctx context.Context) error {
	maintCtx, stopMaint := context.WithCancel(ctx)
	defer stopMaint()
	go a.dispatcher.RunMaintenance(maintCtx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.ListenAndServe()
	}()
	a.logger.Info("engine listening", "addr", a.cfg.Addr())

	select {
	case err := <-serveErr:
		_ = a.store.Close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", "timeout", a.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}
