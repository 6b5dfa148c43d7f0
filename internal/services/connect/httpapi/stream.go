package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/nyra/internal/platform/errors"
)

// handleEvents streams callback outcomes for one user as Server-Sent Events.
func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnknown, "streaming is not supported"))
		return
	}

	outcomes, cancel := h.hub.Subscribe(userID, string(h.tokens.Provider()))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case outcome, ok := <-outcomes:
			if !ok {
				return
			}
			data, err := json.Marshal(outcome)
			if err != nil {
				log.Printf("marshal outcome: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: outcome\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket streams callback outcomes for one user over a websocket.
// Client frames are read only to notice disconnects.
func (h *handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	provider := string(h.tokens.Provider())
	server := websocket.Server{
		Handshake: h.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			h.serveOutcomes(conn, userID, provider)
		},
	}
	server.ServeHTTP(w, r)
}

func (h *handler) checkOrigin(config *websocket.Config, r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" {
		parsed, err := url.Parse(origin)
		if err != nil {
			return err
		}
		config.Origin = parsed
	}
	if h.uiOrigin == "" {
		return nil
	}
	if strings.TrimRight(origin, "/") != h.uiOrigin {
		return fmt.Errorf("origin %q is not allowed", origin)
	}
	return nil
}

func (h *handler) serveOutcomes(conn *websocket.Conn, userID string, provider string) {
	defer func() {
		_ = conn.Close()
	}()
	outcomes, cancel := h.hub.Subscribe(userID, provider)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_, _ = io.Copy(io.Discard, conn)
	}()

	encoder := json.NewEncoder(conn)
	for {
		select {
		case <-closed:
			return
		case outcome, ok := <-outcomes:
			if !ok {
				return
			}
			if err := encoder.Encode(outcome); err != nil {
				return
			}
		}
	}
}
