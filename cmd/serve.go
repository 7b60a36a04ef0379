package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/classify-cli/internal/config"
	"github.com/sells-group/classify-cli/internal/ledger"
	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/monitoring"
	"github.com/sells-group/classify-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job control API",
	Long:  "Read-mostly HTTP API over the job ledger: list and inspect jobs, read results, and request cancellation.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		st, err := openStore(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		collector := monitoring.NewCollector(st, cfg.Monitoring.StallAfter)
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		api := &controlAPI{
			ledger:   ledger.New(st),
			results:  st,
			ping:     st.Ping,
			metrics:  collector,
			lookback: cfg.Monitoring.LookbackWindow,
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildRouter(api, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// controlAPI serves the job ledger over HTTP.
type controlAPI struct {
	ledger   *ledger.Ledger
	results  store.Results
	ping     func(ctx context.Context) error
	metrics  *monitoring.Collector
	lookback time.Duration
}

func buildRouter(api *controlAPI, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", api.health)
	r.Get("/metrics", api.snapshot)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", api.listJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", api.getJob)
			r.Post("/cancel", api.cancelJob)
			r.Get("/results", api.listResults)
			r.Get("/events", api.listEvents)
		})
	})
	return r
}

func (a *controlAPI) health(w http.ResponseWriter, r *http.Request) {
	if a.ping != nil {
		if err := a.ping(r.Context()); err != nil {
			writeJSONResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// snapshot reports job health over ?window= (a Go duration), defaulting to
// the configured lookback.
func (a *controlAPI) snapshot(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		writeJSONResponse(w, http.StatusNotFound, map[string]string{"error": "metrics disabled"})
		return
	}
	window := a.lookback
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "window must be a positive duration"})
			return
		}
		window = d
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	snap, err := a.metrics.Collect(r.Context(), window)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, snap)
}

func (a *controlAPI) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r, 50)
	if !ok {
		return
	}
	q := r.URL.Query()
	jobs, err := a.ledger.List(r.Context(), store.JobFilter{
		Status:  model.JobStatus(q.Get("status")),
		BatchID: q.Get("batch"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSONResponse(w, http.StatusOK, jobs)
}

func (a *controlAPI) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.ledger.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	status, err := a.ledger.Status(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newJobDetail(job, status))
}

func (a *controlAPI) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	applied, err := a.ledger.Cancel(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	code := http.StatusAccepted
	if !applied {
		code = http.StatusConflict
	}
	writeJSONResponse(w, code, map[string]any{"job_id": id, "cancel_requested": applied})
}

func (a *controlAPI) listResults(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r, 100)
	if !ok {
		return
	}
	errorsOnly, _ := strconv.ParseBool(r.URL.Query().Get("errors"))
	results, err := a.results.ListResults(r.Context(), store.ResultFilter{
		JobID:      chi.URLParam(r, "id"),
		ErrorsOnly: errorsOnly,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if results == nil {
		results = []model.ResultRecord{}
	}
	writeJSONResponse(w, http.StatusOK, results)
}

func (a *controlAPI) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.ledger.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if events == nil {
		events = []model.JobEvent{}
	}
	writeJSONResponse(w, http.StatusOK, events)
}

// pageParams reads limit and offset query parameters. It writes a 400 and
// reports false when either is malformed.
func pageParams(w http.ResponseWriter, r *http.Request, defaultLimit int) (limit, offset int, ok bool) {
	limit, offset = defaultLimit, 0
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return 0, 0, false
		}
		limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "offset must be a non-negative integer"})
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	zap.L().Error("control api: request failed", zap.Error(err))
	writeJSONResponse(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSONResponse(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
