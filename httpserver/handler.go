package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/migration"
	"github.com/ruteri/content-sync/provider"
)

const (
	// ContentIDHeader carries the content identifier of mapped content.
	ContentIDHeader = "X-Content-ID"

	// DefaultMaxBodySize bounds uploaded content and imported snapshots (32MB).
	DefaultMaxBodySize = 32 << 20
)

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func badRequest(format string, args ...any) error {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf(format, args...)}
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	// Primary serves the content API.
	Primary *provider.StorageProvider
	// Secondary is the migration source of POST /api/migration. Optional.
	Secondary interfaces.Storage
	// Migrations runs migrations. Optional; migration routes return 404 without it.
	Migrations *migration.Engine
	// MigrationDefaults apply to fields absent from a migration request.
	MigrationDefaults migration.Options
	// MaxBodySize defaults to DefaultMaxBodySize.
	MaxBodySize int64
	Log         *slog.Logger
}

// Handler serves the content, queue, mapping and migration API.
type Handler struct {
	cfg HandlerConfig
	log *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MigrationDefaults.BatchSize <= 0 {
		cfg.MigrationDefaults = migration.DefaultOptions()
	}
	return &Handler{
		cfg: cfg,
		log: common.LoggerOrDefault(cfg.Log),
	}
}

// Routes returns the API router, to be mounted under /api.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/content", h.HandleList)
	r.Get("/content/*", h.HandleRead)
	r.Head("/content/*", h.HandleExists)
	r.Put("/content/*", h.HandleWrite)
	r.Delete("/content/*", h.HandleDelete)

	r.Post("/pins/*", h.HandlePin)
	r.Delete("/pins/*", h.HandleUnpin)

	r.Get("/queue", h.HandleQueueItems)
	r.Get("/queue/status", h.HandleQueueStatus)
	r.Post("/queue/process", h.HandleQueueProcess)
	r.Post("/queue/retry", h.HandleQueueRetry)
	r.Post("/queue/clear", h.HandleQueueClear)
	r.Delete("/queue/{id}", h.HandleQueueCancel)

	r.Get("/mappings", h.HandleMappings)
	r.Delete("/mappings", h.HandleClearMappings)
	r.Get("/mappings/stats", h.HandleMappingStats)
	r.Get("/mappings/export", h.HandleExportMappings)
	r.Post("/mappings/import", h.HandleImportMappings)

	r.Get("/migration", h.HandleMigrationStatus)
	r.Post("/migration", h.HandleStartMigration)
	r.Post("/migration/cancel", h.HandleCancelMigration)
	r.Post("/migration/reset", h.HandleResetMigration)
	r.Get("/migration/estimate", h.HandleEstimateMigration)

	return r
}

// HandleNetworkHealth reports the content network health of the primary provider.
//
// URL format: GET /healthz/network
func (h *Handler) HandleNetworkHealth(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Primary.IsHealthy(r.Context()) {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"healthy": false})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"healthy": true})
}

// HandleRead returns the content stored under the path following /content/.
// The content is fetched from the content network when it is not cached.
//
// URL format: GET /api/content/{path...}
func (h *Handler) HandleRead(w http.ResponseWriter, r *http.Request) {
	path, err := contentPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	data, err := h.cfg.Primary.Read(r.Context(), path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if m, ok := h.cfg.Primary.Registry().GetByPath(path); ok {
		w.Header().Set(ContentIDHeader, m.ContentID)
	}
	w.Header().Set("Content-Type", mimetype.Detect(data).String())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log.Debug("Failed to write response body", slog.String("path", path), "err", err)
	}
}

// HandleExists answers 200 when the path is cached or mapped and 404 otherwise.
//
// URL format: HEAD /api/content/{path...}
func (h *Handler) HandleExists(w http.ResponseWriter, r *http.Request) {
	path, err := contentPath(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ok, err := h.cfg.Primary.Exists(r.Context(), path)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if m, mapped := h.cfg.Primary.Registry().GetByPath(path); mapped {
		w.Header().Set(ContentIDHeader, m.ContentID)
	}
	w.WriteHeader(http.StatusOK)
}

// HandleWrite stores the request body under the path and enqueues it for
// replication. It answers 201 once the content is stored locally.
//
// URL format: PUT /api/content/{path...}
func (h *Handler) HandleWrite(w http.ResponseWriter, r *http.Request) {
	path, err := contentPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: err})
			return
		}
		h.writeError(w, r, badRequest("failed to read request body: %w", err))
		return
	}

	if err := h.cfg.Primary.Write(r.Context(), path, data); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"path": path,
		"size": len(data),
		"hash": common.SHA256Hash(data),
	})
}

// HandleDelete removes the local copy and mapping of the path.
//
// URL format: DELETE /api/content/{path...}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	path, err := contentPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.cfg.Primary.Delete(r.Context(), path); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleList returns every cached or mapped path.
//
// URL format: GET /api/content?prefix=
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	paths, err := h.cfg.Primary.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		filtered := paths[:0]
		for _, p := range paths {
			if strings.HasPrefix(p, prefix) {
				filtered = append(filtered, p)
			}
		}
		paths = filtered
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

// HandlePin pins the content mapped to the path.
//
// URL format: POST /api/pins/{path...}
func (h *Handler) HandlePin(w http.ResponseWriter, r *http.Request) {
	h.setPinned(w, r, true)
}

// HandleUnpin releases the pin of the content mapped to the path.
//
// URL format: DELETE /api/pins/{path...}
func (h *Handler) HandleUnpin(w http.ResponseWriter, r *http.Request) {
	h.setPinned(w, r, false)
}

func (h *Handler) setPinned(w http.ResponseWriter, r *http.Request, pinned bool) {
	path, err := contentPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var m interfaces.AddressMapping
	if pinned {
		m, err = h.cfg.Primary.Pin(r.Context(), path)
	} else {
		m, err = h.cfg.Primary.Unpin(r.Context(), path)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// HandleQueueItems lists the sync queue.
//
// URL format: GET /api/queue
func (h *Handler) HandleQueueItems(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"items": h.cfg.Primary.Queue().Items()})
}

// HandleQueueStatus returns the per-state item counts.
//
// URL format: GET /api/queue/status
func (h *Handler) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cfg.Primary.Queue().Status())
}

// HandleQueueProcess starts pending uploads when automatic processing is off.
//
// URL format: POST /api/queue/process
func (h *Handler) HandleQueueProcess(w http.ResponseWriter, r *http.Request) {
	h.cfg.Primary.Queue().Process()
	h.writeJSON(w, http.StatusAccepted, h.cfg.Primary.Queue().Status())
}

// HandleQueueRetry moves every failed item back to pending.
//
// URL format: POST /api/queue/retry
func (h *Handler) HandleQueueRetry(w http.ResponseWriter, r *http.Request) {
	n := h.cfg.Primary.Queue().RetryFailed()
	h.writeJSON(w, http.StatusOK, map[string]any{"retried": n})
}

// HandleQueueClear drops completed items.
//
// URL format: POST /api/queue/clear
func (h *Handler) HandleQueueClear(w http.ResponseWriter, r *http.Request) {
	n := h.cfg.Primary.Queue().ClearCompleted()
	h.writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

// HandleQueueCancel removes a pending item. Items that already started
// cannot be cancelled.
//
// URL format: DELETE /api/queue/{id}
func (h *Handler) HandleQueueCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := h.cfg.Primary.Queue()

	item, ok := q.Item(id)
	if !ok {
		h.writeError(w, r, fmt.Errorf("%w: queue item %s", interfaces.ErrNotFound, id))
		return
	}
	if !q.CancelUpload(id) {
		h.writeError(w, r, &RequestError{
			StatusCode: http.StatusConflict,
			Err:        fmt.Errorf("queue item %s is %s", id, item.State),
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMappings lists address mappings.
//
// URL format: GET /api/mappings?q=&pinned=&from=&to=
//   - q: case-insensitive substring of the path, content identifier,
//     content hash or MIME type
//   - pinned: true or false
//   - from, to: RFC 3339 creation time bounds, inclusive
func (h *Handler) HandleMappings(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	registry := h.cfg.Primary.Registry()

	var (
		pinned   *bool
		from, to time.Time
	)
	if v := query.Get("pinned"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, badRequest("invalid pinned value %q", v))
			return
		}
		pinned = &b
	}
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		if v := query.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				h.writeError(w, r, badRequest("invalid %s time %q", name, v))
				return
			}
			*dst = t
		}
	}

	var mappings []interfaces.AddressMapping
	switch {
	case query.Get("q") != "":
		mappings = registry.SearchMappings(query.Get("q"))
	case pinned != nil && *pinned:
		mappings = registry.GetPinnedMappings()
	case !from.IsZero() || !to.IsZero():
		end := to
		if end.IsZero() {
			end = time.Now().UTC()
		}
		mappings = registry.GetMappingsInRange(from, end)
	default:
		mappings = registry.All()
	}

	filtered := make([]interfaces.AddressMapping, 0, len(mappings))
	for _, m := range mappings {
		if pinned != nil && m.Pinned != *pinned {
			continue
		}
		if !from.IsZero() && m.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && m.CreatedAt.After(to) {
			continue
		}
		filtered = append(filtered, m)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"mappings": filtered})
}

// HandleMappingStats returns registry aggregates.
//
// URL format: GET /api/mappings/stats
func (h *Handler) HandleMappingStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cfg.Primary.Registry().Stats())
}

// HandleExportMappings returns the mapping snapshot envelope.
//
// URL format: GET /api/mappings/export
func (h *Handler) HandleExportMappings(w http.ResponseWriter, r *http.Request) {
	data, err := h.cfg.Primary.Registry().ExportJSON()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="address-mappings.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleImportMappings merges a snapshot envelope into the registry.
// Malformed records are skipped; a malformed envelope is rejected.
//
// URL format: POST /api/mappings/import
func (h *Handler) HandleImportMappings(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize))
	if err != nil {
		h.writeError(w, r, badRequest("failed to read request body: %w", err))
		return
	}

	n, err := h.cfg.Primary.Registry().ImportJSON(r.Context(), data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"imported": n})
}

// HandleClearMappings removes every mapping. Content stays on the network.
//
// URL format: DELETE /api/mappings
func (h *Handler) HandleClearMappings(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Primary.Registry().ClearMappings(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type migrationStatus struct {
	Progress interfaces.MigrationProgress `json:"progress"`
	Running  bool                         `json:"running"`
	Lease    *migration.Lease             `json:"lease,omitempty"`
}

// migrationRequest overrides the configured migration defaults.
type migrationRequest struct {
	BatchSize            *int   `json:"batchSize"`
	DeleteAfterMigration *bool  `json:"deleteAfterMigration"`
	SkipExisting         *bool  `json:"skipExisting"`
	Prefix               string `json:"prefix"`
}

func (req migrationRequest) options(defaults migration.Options) (migration.Options, error) {
	opts := defaults
	if req.BatchSize != nil {
		if *req.BatchSize <= 0 {
			return opts, badRequest("batchSize must be positive")
		}
		opts.BatchSize = *req.BatchSize
	}
	if req.DeleteAfterMigration != nil {
		opts.DeleteAfterMigration = *req.DeleteAfterMigration
	}
	if req.SkipExisting != nil {
		opts.SkipExisting = *req.SkipExisting
	}
	if req.Prefix != "" {
		prefix := req.Prefix
		opts.Filter = func(path string) bool { return strings.HasPrefix(path, prefix) }
	}
	return opts, nil
}

func (h *Handler) migrationConfigured(w http.ResponseWriter, r *http.Request) bool {
	if h.cfg.Migrations == nil || h.cfg.Secondary == nil {
		h.writeError(w, r, fmt.Errorf("%w: no migration source configured", interfaces.ErrNotFound))
		return false
	}
	return true
}

// HandleMigrationStatus returns the progress of the current or last migration.
//
// URL format: GET /api/migration
func (h *Handler) HandleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	if !h.migrationConfigured(w, r) {
		return
	}
	status := migrationStatus{Progress: h.cfg.Migrations.Progress()}
	if lease, ok := h.cfg.Migrations.Lease(); ok {
		status.Running = true
		status.Lease = &lease
	}
	h.writeJSON(w, http.StatusOK, status)
}

// HandleStartMigration starts migrating the secondary provider into the
// primary in the background.
//
// URL format: POST /api/migration
// Request body (optional): {"batchSize":10,"skipExisting":true,"deleteAfterMigration":false,"prefix":""}
func (h *Handler) HandleStartMigration(w http.ResponseWriter, r *http.Request) {
	if !h.migrationConfigured(w, r) {
		return
	}

	var req migrationRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.writeError(w, r, badRequest("failed to read request body: %w", err))
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, r, badRequest("invalid migration request: %w", err))
			return
		}
	}
	opts, err := req.options(h.cfg.MigrationDefaults)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// The run outlives the request.
	lease, err := h.cfg.Migrations.Start(context.Background(), h.cfg.Secondary, h.cfg.Primary, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.log.Info("Migration requested",
		slog.String("lease", lease.Token),
		slog.Int("batchSize", opts.BatchSize),
		slog.String("prefix", req.Prefix))
	h.writeJSON(w, http.StatusAccepted, migrationStatus{
		Progress: h.cfg.Migrations.Progress(),
		Running:  true,
		Lease:    &lease,
	})
}

// HandleCancelMigration asks the running migration to stop after its current batch.
//
// URL format: POST /api/migration/cancel
func (h *Handler) HandleCancelMigration(w http.ResponseWriter, r *http.Request) {
	if !h.migrationConfigured(w, r) {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"cancelled": h.cfg.Migrations.CancelMigration()})
}

// HandleResetMigration clears the progress of a finished migration.
//
// URL format: POST /api/migration/reset
func (h *Handler) HandleResetMigration(w http.ResponseWriter, r *http.Request) {
	if !h.migrationConfigured(w, r) {
		return
	}
	if !h.cfg.Migrations.Reset() {
		h.writeError(w, r, interfaces.ErrMigrationInProgress)
		return
	}
	h.writeJSON(w, http.StatusOK, migrationStatus{Progress: h.cfg.Migrations.Progress()})
}

// HandleEstimateMigration extrapolates the size of migrating the secondary provider.
//
// URL format: GET /api/migration/estimate
func (h *Handler) HandleEstimateMigration(w http.ResponseWriter, r *http.Request) {
	if !h.migrationConfigured(w, r) {
		return
	}
	est, err := h.cfg.Migrations.EstimateMigrationSize(r.Context(), h.cfg.Secondary)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, est)
}

func contentPath(r *http.Request) (string, error) {
	path := chi.URLParam(r, "*")
	if path == "" {
		return "", badRequest("missing content path")
	}
	return path, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrUnsupportedOperation):
		return http.StatusMethodNotAllowed
	case errors.Is(err, interfaces.ErrMigrationInProgress):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrInvalidImportFormat),
		errors.Is(err, interfaces.ErrInvalidContentID),
		errors.Is(err, interfaces.ErrSameProvider),
		errors.Is(err, provider.ErrReservedPath):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrContentTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, interfaces.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrNetworkTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, interfaces.ErrNetworkFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", slog.String("method", r.Method), slog.String("path", r.URL.Path), "err", err)
	} else {
		h.log.Debug("Request rejected", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", status), "err", err)
	}
	h.writeJSON(w, status, map[string]any{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
