// Command batchsum-server is the composition root for the batch
// summarization orchestrator: it wires every core package together
// and exposes the HTTP surface (start/status/result/pause/resume/
// cancel/list-by-owner) plus a websocket feed of live progress.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/batchsum/engine/pkg/apperrors"
	"github.com/batchsum/engine/pkg/batch"
	"github.com/batchsum/engine/pkg/cancel"
	"github.com/batchsum/engine/pkg/clock"
	"github.com/batchsum/engine/pkg/concurrency"
	appconfig "github.com/batchsum/engine/pkg/infrastructure/config"
	"github.com/batchsum/engine/pkg/infrastructure/logging"
	"github.com/batchsum/engine/pkg/merge"
	"github.com/batchsum/engine/pkg/notify"
	"github.com/batchsum/engine/pkg/partial"
	"github.com/batchsum/engine/pkg/progress"
	"github.com/batchsum/engine/pkg/recovery"
	"github.com/batchsum/engine/pkg/segment"
	"github.com/batchsum/engine/pkg/storage/postgres"
	"github.com/batchsum/engine/pkg/summarizer"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a JSON configuration file")
		addr       = flag.String("addr", "", "HTTP listen address, overrides config.server")
		watchCfg   = flag.Bool("watch-config", false, "hot-reload configuration on file change")
	)
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("batchsum-server: load config: %v", err)
	}
	if *addr != "" {
		host, portStr, splitErr := splitHostPort(*addr)
		if splitErr != nil {
			log.Fatalf("batchsum-server: invalid -addr %q: %v", *addr, splitErr)
		}
		port, convErr := strconv.Atoi(portStr)
		if convErr != nil {
			log.Fatalf("batchsum-server: invalid -addr port %q: %v", portStr, convErr)
		}
		cfg.Server.Host, cfg.Server.Port = host, port
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("batchsum-server: %v", err)
	}
	format := logging.TextFormat
	if cfg.Logging.Format == "json" {
		format = logging.JSONFormat
	}
	baseLogger := logging.New(&logging.Config{
		Level:            level,
		Format:           format,
		Output:           os.Stdout,
		EnableSanitizing: true,
	})
	logger := baseLogger.WithComponent("batchsum-server")

	realClock := clock.NewReal()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := postgres.Open(ctx, postgres.Config{
		DSN:            cfg.Storage.DSN,
		MigrationsPath: "file://pkg/storage/postgres/migrations",
		MaxConns:       int32(cfg.Storage.MaxOpenConns),
	})
	if err != nil {
		log.Fatalf("batchsum-server: connect to postgres: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatalf("batchsum-server: apply migrations: %v", err)
	}
	partialRepo := postgres.NewPartialResultRepository(db)

	summarizerClient := summarizer.NewHTTPClient(summarizer.Config{
		BaseURL: cfg.Summarizer.BaseURL,
		Timeout: time.Duration(cfg.Summarizer.TimeoutSeconds) * time.Second,
		Clock:   realClock,
	})

	segmenter := segment.New(segment.Config{
		MaxSegmentLength:       cfg.Segmentation.MaxSegmentLength,
		TriggerLength:          cfg.Segmentation.TriggerLength,
		SentenceEndMarkers:     cfg.Segmentation.SentenceEndMarkers,
		PreserveParagraphs:     cfg.Segmentation.PreserveParagraphs,
		LLMSegmentationEnabled: cfg.Segmentation.LLMSegmentationEnabled,
	}, summarizerClient)

	controller := concurrency.New(concurrency.Config{
		Initial:                 cfg.Concurrency.DefaultConcurrentLimit,
		Max:                     cfg.Concurrency.MaxConcurrentLimit,
		WindowSize:              100,
		IncreaseMinSamples:      10,
		IncreaseMaxAvgLatencyMs: 3000,
		IncreaseMinSuccessRate:  0.95,
		DecreaseMaxAvgLatencyMs: 10000,
		DecreaseMinSuccessRate:  0.85,
	})
	go controller.RunAdjustmentLoop(ctx, realClock.NewTicker(5*time.Second))

	merger := merge.NewBalancedMerger(realClock)

	wsSink := notify.NewWebSocketSink()
	dispatcher := notify.NewDispatcher(realClock, time.Duration(cfg.Partial.DuplicateSuppressionMs)*time.Millisecond)
	dispatcher.Register(notify.NewLoggingSink(baseLogger.WithComponent("notify")))
	dispatcher.Register(wsSink)

	partialHandler := partial.New(partialRepo, merger, realClock, uuid.NewString, partial.Config{
		ExpiryAfter: time.Duration(cfg.Partial.ExpiryHours) * time.Hour,
	})

	// The Cancellation Service's PartialSaver is the orchestrator
	// itself (*batch.Orchestrator.SaveOnCancel), but the orchestrator's
	// own Deps need the Cancellation Service first. orchestratorProxy
	// breaks the cycle: it is handed to cancel.New now and pointed at
	// the real orchestrator once New returns.
	saverProxy := &orchestratorProxy{}
	cancelSvc := cancel.New(cancel.Config{
		GracefulTimeout: time.Duration(cfg.Cancellation.GracefulTimeoutSeconds) * time.Second,
		CheckpointPoll:  time.Duration(cfg.Cancellation.CheckpointPollMillis) * time.Millisecond,
	}, realClock, saverProxy, auditLogger{baseLogger.WithComponent("cancel.audit")}, baseLogger.WithComponent("cancel"))

	orchestrator := batch.New(batch.Deps{
		Config: batch.Config{
			MaxRetries:              cfg.Retry.MaxRetries,
			BaseDelay:               time.Duration(cfg.Retry.BaseDelaySeconds * float64(time.Second)),
			BackoffMultiplier:       cfg.Retry.BackoffMultiplier,
			DefaultConcurrency:      cfg.Concurrency.DefaultConcurrentLimit,
			FailOnAnySegmentFailure: false,
			StageWeights:            stageMap(cfg.Progress.StageWeights),
			StageMultipliers:        stageMap(cfg.Progress.StageTimeMultipliers),
		},
		Summarizer: summarizerClient,
		Merger:     merger,
		Controller: controller,
		CancelSvc:  cancelSvc,
		Notify:     dispatcher,
		Tracker:    progress.NewTracker(),
		Partials:   partialHandler,
		Clock:      realClock,
		NewID:      uuid.NewString,
	})
	saverProxy.orch = orchestrator

	recoverySvc := recovery.New(recovery.DefaultConfig(), realClock, orchestrator, partialRepo, dispatcher, []recovery.ComponentCheck{
		{Name: "database", Check: func(ctx context.Context) (recovery.Status, map[string]interface{}, error) {
			if err := db.HealthCheck(ctx); err != nil {
				return recovery.StatusCritical, nil, err
			}
			stats := db.PoolStats()
			return recovery.StatusHealthy, map[string]interface{}{
				"total_connections": stats.TotalConnections,
				"idle_connections":  stats.IdleConnections,
			}, nil
		}},
		{Name: "notification", Check: func(ctx context.Context) (recovery.Status, map[string]interface{}, error) {
			return recovery.StatusHealthy, nil, nil
		}},
		{Name: "memory", Check: func(ctx context.Context) (recovery.Status, map[string]interface{}, error) {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			status := recovery.StatusHealthy
			if m.HeapAlloc > cfg.Recovery.MemoryWarnBytes {
				status = recovery.StatusWarning
			}
			return status, map[string]interface{}{
				"heap_alloc_bytes": m.HeapAlloc,
				"num_goroutines":   runtime.NumGoroutine(),
			}, nil
		}},
		{Name: "disk", Check: func(ctx context.Context) (recovery.Status, map[string]interface{}, error) {
			var stat syscall.Statfs_t
			if err := syscall.Statfs(cfg.Recovery.DiskPath, &stat); err != nil {
				return recovery.StatusUnknown, nil, err
			}
			free := stat.Bavail * uint64(stat.Bsize)
			total := stat.Blocks * uint64(stat.Bsize)
			status := recovery.StatusHealthy
			if total > 0 && float64(free)/float64(total) < 0.1 {
				status = recovery.StatusWarning
			}
			return status, map[string]interface{}{
				"free_bytes":  free,
				"total_bytes": total,
			}, nil
		}},
		{Name: "processor", Check: func(ctx context.Context) (recovery.Status, map[string]interface{}, error) {
			stats := controller.Stats()
			status := recovery.StatusHealthy
			if stats.SuccessRate < 0.5 && stats.SampleCount >= 10 {
				status = recovery.StatusWarning
			}
			return status, map[string]interface{}{
				"current_permits": stats.Current,
				"active_requests": stats.Active,
				"success_rate":    stats.SuccessRate,
			}, nil
		}},
	})
	go runRecoverySweep(ctx, recoverySvc, orchestrator, realClock, logger)

	var cfgWatcher *appconfig.Watcher
	if *watchCfg && *configPath != "" {
		cfgWatcher, err = appconfig.NewWatcher(*configPath,
			appconfig.WithReloadHandler(func(updated *appconfig.Config) {
				logger.Info("configuration reloaded", map[string]interface{}{"path": *configPath})
			}),
			appconfig.WithErrorHandler(func(err error) {
				logger.Error("config watch error", map[string]interface{}{"error": err.Error()})
			}),
		)
		if err != nil {
			log.Fatalf("batchsum-server: watch config: %v", err)
		}
		defer cfgWatcher.Close()
	}

	srv := newServer(orchestrator, segmenter, wsSink, logger)
	addrStr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addrStr, Handler: srv.router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if cfgWatcher != nil {
			cfgWatcher.Close()
		}
	}()

	logger.Info("batchsum-server listening", map[string]interface{}{"addr": addrStr})
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("batchsum-server: %v", err)
	}
}

func splitHostPort(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("missing ':' in address")
}

func stageMap(in map[string]float64) map[progress.Stage]float64 {
	out := make(map[progress.Stage]float64, len(in))
	for k, v := range in {
		out[progress.Stage(k)] = v
	}
	return out
}

// orchestratorProxy implements cancel.PartialSaver and defers to orch
// once it is set, breaking the construction-order cycle between
// cancel.Service and batch.Orchestrator (each needs the other).
type orchestratorProxy struct {
	orch *batch.Orchestrator
}

func (p *orchestratorProxy) SaveOnCancel(ctx context.Context, batchID, owner string) (string, error) {
	return p.orch.SaveOnCancel(ctx, batchID, owner)
}

// auditLogger satisfies cancel.AuditSink by writing to the structured
// logger; a real deployment could additionally persist these records.
type auditLogger struct {
	log *logging.Logger
}

func (a auditLogger) CancellationAudited(batchID, owner string, reason cancel.Reason, force bool, comment string, gracefulDurationMs int64, partialSaved bool) {
	a.log.Info("cancellation audited", map[string]interface{}{
		"batch_id":             batchID,
		"owner":                owner,
		"reason":               string(reason),
		"force":                force,
		"comment":              comment,
		"graceful_duration_ms": gracefulDurationMs,
		"partial_saved":        partialSaved,
	})
}

// runRecoverySweep periodically scans live batches for staleness and
// triggers recovery on any that need it.
func runRecoverySweep(ctx context.Context, svc *recovery.Service, orch *batch.Orchestrator, c clock.Clock, log *logging.Logger) {
	ticker := c.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			for _, id := range orch.AllBatchIDs() {
				needs, err := svc.RequiresRecovery(ctx, id)
				if err != nil {
					log.Error("recovery check failed", map[string]interface{}{"batch_id": id, "error": err.Error()})
					continue
				}
				if needs {
					rec := svc.Recover(ctx, id, "stale batch detected by periodic sweep")
					log.Warn("batch recovered", map[string]interface{}{"batch_id": id, "overall_health": string(rec.PostState.Overall)})
				}
			}
		}
	}
}

// server holds the HTTP handler dependencies.
type server struct {
	orch      *batch.Orchestrator
	segmenter *segment.Segmenter
	ws        *notify.WebSocketSink
	log       *logging.Logger
	upgrader  websocket.Upgrader
}

func newServer(orch *batch.Orchestrator, seg *segment.Segmenter, ws *notify.WebSocketSink, log *logging.Logger) *server {
	return &server{
		orch:      orch,
		segmenter: seg,
		ws:        ws,
		log:       log,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (s *server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(correlationIDMiddleware)
	r.HandleFunc("/batches", s.handleStartBatch).Methods("POST")
	r.HandleFunc("/batches", s.handleListByOwner).Methods("GET")
	r.HandleFunc("/batches/{id}/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/batches/{id}/result", s.handleResult).Methods("GET")
	r.HandleFunc("/batches/{id}/pause", s.handlePause).Methods("POST")
	r.HandleFunc("/batches/{id}/resume", s.handleResume).Methods("POST")
	r.HandleFunc("/batches/{id}/cancel", s.handleCancel).Methods("POST")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

type correlationIDKey struct{}

// correlationIDMiddleware assigns or forwards X-Correlation-ID, echoes
// it on the response, and stores it in the request context under
// correlationIDKey. No log entry or notification reads it from there.
func correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type startBatchRequest struct {
	Owner           string `json:"owner"`
	Text            string `json:"text"`
	ConcurrencyHint int    `json:"concurrency_hint"`
}

type startBatchResponse struct {
	BatchID string `json:"batch_id"`
}

func (s *server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Invalid("malformed request body"))
		return
	}

	var segs []segment.Segment
	if s.segmenter.NeedsSegmentation(req.Text) {
		result, err := s.segmenter.Segment(r.Context(), req.Text)
		if err != nil {
			writeError(w, apperrors.New(apperrors.KindProcessing, apperrors.SeverityError, "segmentation failed", err))
			return
		}
		segs = result.Segments
	} else {
		segs = []segment.Segment{{Index: 0, Title: "document", Content: req.Text, Length: len(req.Text), EndByte: len(req.Text)}}
	}

	id, err := s.orch.StartBatch(r.Context(), segs, req.Text, req.Owner, req.ConcurrencyHint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startBatchResponse{BatchID: id})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, ok := s.orch.Progress(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown batch"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, ok := s.orch.Result(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown batch"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.orch.Pause(id)})
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": s.orch.Resume(id)})
}

type cancelRequest struct {
	Owner       string `json:"owner"`
	Reason      string `json:"reason"`
	Force       bool   `json:"force"`
	SavePartial bool   `json:"save_partial"`
	Comment     string `json:"comment"`
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	res, err := s.orch.RequestCancellation(r.Context(), cancel.Request{
		BatchID:     id,
		Owner:       req.Owner,
		Reason:      cancel.Reason(req.Reason),
		Force:       req.Force,
		SavePartial: req.SavePartial,
		Comment:     req.Comment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleListByOwner(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	writeJSON(w, http.StatusOK, s.orch.ListByOwner(owner, page, size))
}

// handleWebSocket upgrades the connection and pumps notify.Event
// values out to the client. The read loop exists only to detect
// client disconnects.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	ch, unregister := s.ws.Register(conn)
	defer func() {
		unregister()
		conn.Close()
	}()

	go func() {
		for evt := range ch {
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if aerr, ok := err.(*apperrors.Error); ok {
		switch aerr.Kind {
		case apperrors.KindValidation:
			status = http.StatusBadRequest
		case apperrors.KindAuthorization:
			status = http.StatusForbidden
		case apperrors.KindTimeout:
			status = http.StatusGatewayTimeout
		case apperrors.KindNetwork, apperrors.KindService:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
