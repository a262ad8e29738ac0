package channels

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// MaxBodyBytes bounds webhook payloads.
const MaxBodyBytes = 1 << 20

type ackBody struct {
	Success bool `json:"success"`
}

// Ack writes the platform acknowledgement. It is always HTTP 200 so the
// platform does not start its own retry cycle.
func Ack(w http.ResponseWriter, ok bool) {
	WriteJSON(w, ackBody{Success: ok})
}

// WriteJSON writes v with HTTP 200.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write webhook response", "error", err)
	}
}

// ReadBody reads at most MaxBodyBytes from r.
func ReadBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", MaxBodyBytes)
	}
	return body, nil
}

// Recover turns a panic inside a webhook handler into a failure ack so a
// single bad event cannot take the process down.
func Recover(channel string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("webhook handler panic",
					"channel", channel,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				Ack(w, false)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
