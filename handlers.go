package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/example/pushgate/internal/correlator"
)

// Dispatcher sends the approval prompt for a freshly opened flow.
type Dispatcher interface {
	Dispatch(ctx context.Context, t correlator.Ticket, endpointID int64) error
}

// Policy is the approval policy applied by the gateway handlers.
type Policy struct {
	Timeout       time.Duration
	ClearDelay    time.Duration
	AutoRegister  bool
	BypassEnabled bool
}

type App struct {
	Dir        Directory
	Secret     *PinnedSecret
	Corr       *correlator.Correlator
	Dispatcher Dispatcher
	Policy     Policy
	Logger     *slog.Logger

	// dispatchCtx outlives individual requests: authorize returns before the
	// prompt is sent.
	dispatchCtx context.Context
	wg          sync.WaitGroup
}

func NewApp(ctx context.Context, dir Directory, secret *PinnedSecret, corr *correlator.Correlator, d Dispatcher, p Policy, logger *slog.Logger) *App {
	return &App{
		Dir:         dir,
		Secret:      secret,
		Corr:        corr,
		Dispatcher:  d,
		Policy:      p,
		Logger:      logger,
		dispatchCtx: ctx,
	}
}

// Wait blocks until in-flight dispatches have returned.
func (a *App) Wait() {
	a.wg.Wait()
}

type gatewayRequest struct {
	UserName  string `json:"user_name"`
	ClientKey string `json:"client_key"`
}

// admit decodes the gateway request, checks the client key and resolves the
// identity's directory status. It writes the error response itself and
// returns ok=false on failure.
func (a *App) admit(w http.ResponseWriter, r *http.Request, op string) (string, *UserRecord, IdentityStatus, bool) {
	var in gatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusForbidden, "INVALID_REQUEST", "Invalid request body")
		return "", nil, StatusUnregistered, false
	}
	identity := correlator.Normalize(in.UserName)
	if identity == "" {
		writeError(w, http.StatusForbidden, "INVALID_REQUEST", "user_name is required")
		return "", nil, StatusUnregistered, false
	}

	log := a.Logger.With(slog.String("op", op), slog.String("identity", identity))

	pinned, err := a.Secret.Verify(in.ClientKey)
	if err != nil {
		log.Warn("client key rejected", slog.String("error", err.Error()))
		writeError(w, http.StatusForbidden, "CLIENT_KEY_MISMATCH", ErrClientKeyMismatch.Error())
		return "", nil, StatusUnregistered, false
	}
	if pinned {
		log.Info("client key pinned")
	}

	rec, err := a.Dir.Lookup(r.Context(), identity)
	if err != nil {
		log.Error("directory lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusForbidden, "DIRECTORY_UNAVAILABLE", "User directory unavailable")
		return "", nil, StatusUnregistered, false
	}
	return identity, rec, statusOf(rec, a.Policy.BypassEnabled), true
}

// HandleAuthorize opens an approval flow and returns without waiting for it.
func (a *App) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	identity, rec, status, ok := a.admit(w, r, "authorize")
	if !ok {
		return
	}
	log := a.Logger.With(slog.String("op", "authorize"), slog.String("identity", identity))

	switch status {
	case StatusBypass:
		log.Debug("bypass user")
		writeOK(w)

	case StatusUnregistered:
		if !a.Policy.AutoRegister {
			log.Warn("user not found")
			writeError(w, http.StatusNotFound, "IDENTITY_NOT_FOUND", ErrIdentityNotFound.Error())
			return
		}
		created, err := a.Dir.Create(r.Context(), identity, 0, true)
		if err != nil {
			log.Error("auto registration failed", slog.String("error", err.Error()))
			writeError(w, http.StatusForbidden, "DIRECTORY_UNAVAILABLE", "User directory unavailable")
			return
		}
		if created {
			log.Info("auto registered user")
		} else {
			log.Debug("auto registration skipped, record exists")
		}
		writeOK(w)

	default:
		t, begun := a.Corr.BeginOrSuppress(identity)
		if begun {
			endpointID := rec.EndpointID
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				if err := a.Dispatcher.Dispatch(a.dispatchCtx, t, endpointID); err != nil {
					log.Debug("dispatch finished with error", slog.String("error", err.Error()))
				}
			}()
		}
		writeOK(w)
	}
}

// HandleAuthenticate waits for the verdict on the identity's current flow.
func (a *App) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	identity, _, status, ok := a.admit(w, r, "authenticate")
	if !ok {
		return
	}
	log := a.Logger.With(slog.String("op", "authenticate"), slog.String("identity", identity))

	switch status {
	case StatusBypass:
		log.Info("authentication bypassed")
		writeOK(w)
		return
	case StatusUnregistered:
		log.Warn("user not found")
		writeError(w, http.StatusNotFound, "IDENTITY_NOT_FOUND", ErrIdentityNotFound.Error())
		return
	}

	out, t := a.Corr.AwaitFlow(r.Context(), identity, a.Policy.Timeout)
	if t.Flow != "" {
		a.Corr.ClearFlow(t, a.Policy.ClearDelay)
	}

	switch out {
	case correlator.OutcomeApproved:
		log.Info("authentication request accepted")
		writeOK(w)
	case correlator.OutcomeRejected:
		log.Info("authentication request rejected")
		writeError(w, http.StatusForbidden, "ACCESS_REJECTED", "Rejected by user")
	default:
		if errors.Is(r.Context().Err(), context.Canceled) {
			log.Info("gateway went away before a verdict")
		} else {
			log.Info("authentication request timeout", slog.String("outcome", out.String()))
		}
		writeError(w, http.StatusRequestTimeout, "DECISION_TIMEOUT", "No decision within timeout")
	}
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.Dir.(interface{ ping() bool }); ok && !p.ping() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
