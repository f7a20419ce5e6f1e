package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the campaign server: run intake, provider webhooks, and event streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initCampaign(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: buildRouter(env),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter assembles the HTTP surface: run intake, read endpoints, the
// provider webhooks, and the per-run SSE stream.
func buildRouter(env *campaignEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/runs", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			RequestText    string               `json:"request_text"`
			Spec           model.RequestSpec    `json:"spec"`
			Counterparties []model.Counterparty `json:"counterparties"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Spec.Item == "" || body.Spec.Quantity <= 0 {
			writeError(w, http.StatusBadRequest, "spec.item and spec.quantity are required")
			return
		}
		if len(body.Counterparties) == 0 {
			writeError(w, http.StatusBadRequest, "at least one counterparty is required")
			return
		}

		ctx := req.Context()
		run, err := env.Store.CreateRun(ctx, body.RequestText, body.Spec)
		if err != nil {
			zap.L().Error("create run failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "create run failed")
			return
		}
		for i := range body.Counterparties {
			body.Counterparties[i].RunID = run.ID
		}
		if err := env.Store.CreateCounterparties(ctx, body.Counterparties); err != nil {
			zap.L().Error("seed counterparties failed", zap.String("run_id", run.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "seed counterparties failed")
			return
		}

		// The fan-out runs in the background; the caller polls the run or
		// follows its event stream.
		go func() {
			if err := env.Engine.StartRun(context.Background(), run.ID); err != nil {
				zap.L().Error("start run failed", zap.String("run_id", run.ID), zap.Error(err))
			}
		}()

		writeJSON(w, http.StatusAccepted, run)
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := env.Store.GetRun(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Get("/runs/{id}/offers", func(w http.ResponseWriter, req *http.Request) {
		offers, err := env.Store.ListOffers(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list offers failed")
			return
		}
		writeJSON(w, http.StatusOK, offers)
	})

	r.Get("/runs/{id}/events", func(w http.ResponseWriter, req *http.Request) {
		streamEvents(env, w, req)
	})

	r.Post("/webhook/call", func(w http.ResponseWriter, req *http.Request) {
		var sig model.CallCompletion
		if err := json.NewDecoder(req.Body).Decode(&sig); err != nil {
			writeError(w, http.StatusBadRequest, "invalid completion payload")
			return
		}
		if sig.Handle == "" {
			writeError(w, http.StatusBadRequest, "handle is required")
			return
		}

		// Ack immediately; the provider retries on non-2xx and the engine
		// already tolerates duplicate delivery.
		go func() {
			if err := env.Engine.HandleCallCompletion(context.Background(), sig); err != nil {
				zap.L().Error("call completion failed",
					zap.String("handle", sig.Handle),
					zap.Error(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	r.Post("/webhook/reply", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Sender string `json:"sender"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid reply payload")
			return
		}
		if body.Sender == "" {
			writeError(w, http.StatusBadRequest, "sender is required")
			return
		}

		if err := env.Engine.HandleReplyReceived(req.Context(), body.Sender); err != nil {
			zap.L().Error("reply handling failed", zap.String("sender", body.Sender), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "reply handling failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// streamEvents serves one run's progress as server-sent events until the
// client disconnects.
func streamEvents(env *campaignEnv, w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	runID := chi.URLParam(req, "id")

	ch, cancel := env.Events.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
