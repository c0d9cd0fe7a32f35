package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"lectern/internal/api"
	"lectern/internal/config"
	"lectern/internal/events"
	"lectern/internal/jobqueue"
	"lectern/internal/library"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/services"
)

const (
	maxRequestBody  = 32 << 20
	streamPingEvery = 30 * time.Second
	streamWriteWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}
	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(cfg.Paths.APIToken),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes(token string) http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, authMiddleware(token))

	a := r.PathPrefix("/api").Subrouter()
	a.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	a.HandleFunc("/notifications/test", s.handleTestNotification).Methods(http.MethodPost)

	a.HandleFunc("/books", s.handleBooks).Methods(http.MethodGet)
	a.HandleFunc("/books/{id}", s.handleRemoveBook).Methods(http.MethodDelete)
	a.HandleFunc("/books/{id}/setup", s.handleSetup).Methods(http.MethodPost)
	a.HandleFunc("/books/{id}/transcript", s.handleImport).Methods(http.MethodPost)
	a.HandleFunc("/books/{id}/progress", s.handleProgress).Methods(http.MethodGet)
	a.HandleFunc("/books/{id}/progress/stream", s.handleProgressStream).Methods(http.MethodGet)
	a.HandleFunc("/books/{id}/cancel", s.handleCancelBook).Methods(http.MethodPost)
	a.HandleFunc("/books/{id}/search", s.handleSearch).Methods(http.MethodGet)
	a.HandleFunc("/books/{id}/segments/nearest", s.handleNearest).Methods(http.MethodGet)

	a.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	a.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	a.HandleFunc("/jobs/{id}", s.handleDeleteJob).Methods(http.MethodDelete)
	a.HandleFunc("/jobs/{id}/retry", s.handleRetryJob).Methods(http.MethodPost)
	a.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found", "not_found")
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})
	// Subrouters resolve their own misses; the root handlers cover paths
	// outside /api.
	for _, router := range []*mux.Router{r, a} {
		router.NotFoundHandler = notFound
		router.MethodNotAllowedHandler = notAllowed
	}
	return r
}

func (s *apiServer) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(api.RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(api.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) address() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status(r.Context())
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:       status.Running,
		PID:           status.PID,
		LibraryDBPath: status.LibraryDBPath,
		QueueDBPath:   status.QueueDBPath,
		LockFilePath:  status.LockFilePath,
		EventBus:      status.EventBus,
		Workflow:      api.FromStatusSummary(status.Workflow),
		Dependencies:  api.FromDependencies(status.Dependencies),
		Checks:        api.FromChecks(status.Checks),
	})
}

func (s *apiServer) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	ok, message, err := s.daemon.TestNotification(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("%s: %v", message, err), "external")
		return
	}
	s.writeJSON(w, http.StatusOK, api.MessageResponse{OK: ok, Message: message})
}

func (s *apiServer) handleBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.daemon.coordinator.Books(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BookListResponse{Books: api.FromBooks(books)})
}

func (s *apiServer) handleSetup(w http.ResponseWriter, r *http.Request) {
	var body api.SetupRequest
	if !s.decode(w, r, &body, true) {
		return
	}
	stages, err := pipeline.ParseStages(body.Stages)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	jobID, err := s.daemon.coordinator.SetupBook(r.Context(), pipeline.SetupRequest{
		BookID: mux.Vars(r)["id"],
		Model:  body.Model,
		Stages: stages,
	}, pipeline.SetupOptions{Priority: body.Priority, MaxAttempts: body.MaxAttempts})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.JobResponse{JobID: jobID})
}

func (s *apiServer) handleImport(w http.ResponseWriter, r *http.Request) {
	var body api.ImportRequest
	if !s.decode(w, r, &body, false) {
		return
	}
	doc := pipeline.Transcript{Model: body.Model}
	for _, seg := range body.Segments {
		doc.Segments = append(doc.Segments, pipeline.TranscriptSegment{
			Text:    seg.Text,
			StartMs: seg.StartMs,
			EndMs:   seg.EndMs,
			FileIno: seg.FileIno,
		})
	}
	jobID, err := s.daemon.coordinator.ImportTranscript(r.Context(), mux.Vars(r)["id"], doc)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.JobResponse{JobID: jobID})
}

func (s *apiServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	report, err := s.daemon.coordinator.Progress(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromProgress(report))
}

// handleProgressStream pushes the book's events over a websocket until the
// client disconnects. A stage.progress snapshot for each known stage is sent
// first so clients can render without a separate progress call.
func (s *apiServer) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	bookID := mux.Vars(r)["id"]
	if s.daemon.bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event bus not configured", "configuration")
		return
	}
	report, err := s.daemon.coordinator.Progress(r.Context(), bookID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// Reads only detect the client going away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	sub, unsubscribe := s.daemon.bus.Subscribe(ctx)
	defer unsubscribe()
	stream := events.Filter(sub, bookID)

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(v)
	}
	for _, stage := range report.Stages {
		if err := write(snapshotEvent(bookID, stage)); err != nil {
			return
		}
	}

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := write(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func snapshotEvent(bookID string, p library.StageProgress) events.Event {
	return events.Event{
		Type:     events.TypeStageProgress,
		BookID:   bookID,
		Stage:    string(p.Stage),
		Status:   string(p.Status),
		Progress: p.Progress,
		Error:    p.Error,
		Time:     p.UpdatedAt,
	}
}

func (s *apiServer) handleCancelBook(w http.ResponseWriter, r *http.Request) {
	n, err := s.daemon.coordinator.CancelBook(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CountResponse{Count: n})
}

func (s *apiServer) handleRemoveBook(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.coordinator.RemoveBook(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MessageResponse{OK: true, Message: "book removed"})
}

func (s *apiServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	k := 0
	if raw := strings.TrimSpace(query.Get("k")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "k must be an integer", "validation")
			return
		}
		k = parsed
	}
	results, err := s.daemon.coordinator.Search(r.Context(), mux.Vars(r)["id"], query.Get("q"), k)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SearchResponse{Results: api.FromResults(results)})
}

func (s *apiServer) handleNearest(w http.ResponseWriter, r *http.Request) {
	pos, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("positionMs")), 10, 64)
	if err != nil || pos < 0 {
		s.writeError(w, http.StatusBadRequest, "positionMs must be a non-negative integer", "validation")
		return
	}
	seg, err := s.daemon.coordinator.NearestSegment(r.Context(), mux.Vars(r)["id"], pos)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromSegment(*seg))
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobqueue.Filter{
		Queue:  strings.TrimSpace(query.Get("queue")),
		BookID: strings.TrimSpace(query.Get("bookId")),
		FlowID: strings.TrimSpace(query.Get("flowId")),
	}
	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status, ok := jobqueue.ParseStatus(part)
			if !ok {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", part), "validation")
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "validation")
			return
		}
		filter.Limit = limit
	}
	jobs, err := s.daemon.queue.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: api.FromJobs(jobs)})
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.queue.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromJob(job))
}

func (s *apiServer) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	delay, err := parseDelay(r.URL.Query().Get("delay"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), "validation")
		return
	}
	if err := s.daemon.queue.RetryJob(r.Context(), mux.Vars(r)["id"], delay); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MessageResponse{OK: true, Message: "job requeued"})
}

func (s *apiServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	n, err := s.daemon.queue.CancelJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CountResponse{Count: n})
}

func (s *apiServer) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	n, err := s.daemon.queue.DeleteJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CountResponse{Count: n})
}

// parseDelay accepts a Go duration ("30s") or a bare number of seconds.
func parseDelay(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, errors.New("delay must not be negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q", raw)
	}
	if d < 0 {
		return 0, errors.New("delay must not be negative")
	}
	return d, nil
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "validation")
	return false
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, jobqueue.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, jobqueue.ErrJobActive), errors.Is(err, jobqueue.ErrNotRetryable):
		return http.StatusConflict, "conflict"
	case errors.Is(err, library.ErrBookNotFound):
		return http.StatusNotFound, "not_found"
	}
	details := services.Details(err)
	switch details.Kind {
	case "validation":
		return http.StatusBadRequest, details.Kind
	case "not_found":
		return http.StatusNotFound, details.Kind
	case "configuration":
		return http.StatusServiceUnavailable, details.Kind
	case "timeout":
		return http.StatusGatewayTimeout, details.Kind
	default:
		return http.StatusInternalServerError, details.Kind
	}
}

func (s *apiServer) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := statusFor(err)
	if code >= http.StatusInternalServerError {
		attrs := []logging.Attr{
			logging.String("path", r.URL.Path),
			logging.Error(err),
		}
		if id, ok := services.RequestIDFromContext(r.Context()); ok {
			attrs = append(attrs, logging.String(logging.FieldCorrelationID, id))
		}
		logging.ErrorWithContext(s.logger, "api request failed", "api_request_failed", attrs...)
	}
	s.writeError(w, code, err.Error(), kind)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message, kind string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message, Kind: kind})
}
