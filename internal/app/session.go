package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
)

// sessionTimeout bounds a /session request to the backend.
const sessionTimeout = 15 * time.Second

// serveSession mints an ephemeral backend credential for a browser client.
func (a *App) serveSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), sessionTimeout)
	defer cancel()

	secret, err := a.minter.ClientSecret(ctx)
	if err != nil {
		observe.Logger(r.Context()).Warn("client secret request failed", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, secret)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}
