package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/nevindra/conductor"
	"github.com/nevindra/conductor/internal/config"
)

// askRequest is the POST /ask body. SessionID is optional; omitting it
// starts a fresh conversation.
type askRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

type askResponse struct {
	SessionID  string            `json:"session_id"`
	Report     string            `json:"report"`
	ReportHTML string            `json:"report_html,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Direct     bool              `json:"direct"`
	Failed     map[string]string `json:"failed,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func cmdServe(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/ask", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		handleAsk(rt, w, r)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  time.Minute,
		WriteTimeout: 40 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down...")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func handleAsk(rt *runtime, w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query is required"})
		return
	}

	sessionOpts := []conductor.SessionOption{
		conductor.SessionHistory(rt.history),
		conductor.SessionLogger(rt.logger),
	}
	if req.SessionID != "" {
		sessionOpts = append(sessionOpts, conductor.SessionID(req.SessionID))
	}
	session := conductor.NewSession(rt.pipe, sessionOpts...)

	res, err := session.Ask(r.Context(), req.Query)
	if err != nil {
		status := http.StatusInternalServerError
		if r.Context().Err() != nil {
			status = http.StatusRequestTimeout
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	resp := askResponse{
		SessionID:  session.ID(),
		Report:     res.Report,
		Confidence: res.Confidence,
		Direct:     res.Direct,
		Failed:     res.Failed,
	}
	if html, err := conductor.ReportHTML(res.Report); err == nil {
		resp.ReportHTML = html
	} else {
		rt.logger.Warn("report html render failed", "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
