package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/example/pushgate/internal/approval"
	cfg "github.com/example/pushgate/internal/config"
	"github.com/example/pushgate/internal/correlator"
	"github.com/example/pushgate/internal/gate"
	"github.com/example/pushgate/internal/notifier"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json", slog.String("error", err.Error()))
	}
}

func newRouter(app *App, rl *RateLimiter) *mux.Router {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(app.Logging)
	r.Use(Metrics)

	r.HandleFunc("/health", app.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", app.HandleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	gw := r.NewRoute().Subrouter()
	gw.Use(rl.Middleware)
	gw.HandleFunc("/authorize", app.HandleAuthorize).Methods("POST")
	gw.HandleFunc("/authenticate", app.HandleAuthenticate).Methods("POST")

	return r
}

func openDirectory(c *cfg.Config, logger *slog.Logger) (Directory, error) {
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteDirectory(c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		logger.Info("using sqlite directory", slog.String("path", c.SQLiteFile))
		return s, nil
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres config: %w", err)
		}
		p, err := NewPostgresDirectory(dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		if err := p.Migrate(c.MigrationsDir, logger); err != nil {
			p.close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("using postgres directory")
		return p, nil
	case "memory":
		logger.Warn("using in-memory directory, records are lost on restart")
		return NewMemoryDirectory(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
	}
}

func main() {
	c, err := cfg.New()
	if err != nil {
		slog.Error("config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := cfg.SetupLogger(c)

	dir, err := openDirectory(c, logger)
	if err != nil {
		logger.Error("directory", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var (
		n  notifier.Notifier
		tg *notifier.Telegram
	)
	switch c.Notifier {
	case "telegram":
		tg, err = notifier.NewTelegram(c.TelegramToken, c.TelegramAPIEndpoint, logger)
		if err != nil {
			logger.Error("telegram", slog.String("error", err.Error()))
			os.Exit(1)
		}
		n = tg
	default:
		logger.Warn("prompts are logged, not delivered")
		n = notifier.NewLogNotifier(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	corr := correlator.New(c.Timeout, c.MaxPending, logger)
	g := gate.New(c.RateCapPerSecond, time.Second, logger)
	msgs := approval.DefaultMessages()
	disp := approval.NewDispatcher(g, n, corr, approval.DispatcherConfig{
		ClearDelay:              c.ClearDelay,
		AllowOnTransportFailure: c.AllowOnTransportFailure,
	}, msgs, logger)
	listener := approval.NewListener(corr, disp, msgs, logger)

	if tg != nil {
		go tg.Run(ctx, listener)
	}

	reaper := correlator.NewReaper(corr, c.ReaperInterval, 2*c.Timeout+c.ClearDelay, logger)
	reaper.Start(ctx)

	rl := NewRateLimiter(c.GatewayRateLimitPerMinute)
	go rl.Run(ctx)

	app := NewApp(ctx, dir, NewPinnedSecret(bcrypt.DefaultCost), corr, disp, Policy{
		Timeout:       c.Timeout,
		ClearDelay:    c.ClearDelay,
		AutoRegister:  c.AutoRegisterEnabled,
		BypassEnabled: c.BypassEnabled,
	}, logger)

	srv := &http.Server{
		Handler:      newRouter(app, rl),
		Addr:         ":" + c.Port,
		ReadTimeout:  c.HTTPReadTimeout,
		WriteTimeout: c.HTTPWriteTimeout,
	}

	go func() {
		logger.Info("starting server",
			slog.String("port", c.Port),
			slog.Bool("tls", c.TLSEnabled()),
			slog.Duration("timeout", c.Timeout))
		var err error
		if c.TLSEnabled() {
			err = srv.ListenAndServeTLS(c.TLSCertFile, c.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", slog.String("error", err.Error()))
	}

	cancel()
	reaper.Stop()
	g.Close()
	app.Wait()
	if closer, ok := dir.(interface{ close() error }); ok {
		_ = closer.close()
	}
	logger.Info("server exited properly")
}
