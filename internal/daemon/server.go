package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/g960059/famsync/internal/api"
	"github.com/g960059/famsync/internal/app"
	"github.com/g960059/famsync/internal/command"
	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/security"
	"github.com/g960059/famsync/internal/syncer"
	"github.com/g960059/famsync/internal/usage"
)

const maxRequestBody = 1 << 20

// Server exposes a device's sync engine over a unix socket.
type Server struct {
	app         *app.App
	socketPath  string
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(a *app.App) *Server {
	mux := http.NewServeMux()
	s := &Server{
		app:        a,
		socketPath: a.Config.SocketPath,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/observations", s.observationsHandler)
	mux.HandleFunc("/v1/sync", s.syncHandler)
	mux.HandleFunc("/v1/queue", s.queueHandler)
	mux.HandleFunc("/v1/queue/", s.queueItemHandler)
	mux.HandleFunc("/v1/commands", s.commandsHandler)
	mux.HandleFunc("/v1/commands/", s.commandByIDHandler)
	mux.HandleFunc("/v1/configurations", s.configurationsHandler)
	mux.HandleFunc("/v1/apps", s.appsHandler)
	mux.HandleFunc("/v1/usage", s.usageHandler)
	mux.HandleFunc("/v1/usage/reset", s.usageResetHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.socketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.socketPath)
		}
		if err := os.Remove(s.socketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.socketPath != "" {
			if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		DeviceID:      s.app.Config.DeviceID,
		Role:          string(s.app.Config.Role),
		RemoteHealth:  string(s.app.Remote.Health()),
	}
	if last := s.app.Orchestrator.LastReport(); !last.StartedAt.IsZero() {
		at := formatTime(last.StartedAt)
		resp.LastSyncAt = &at
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) observationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ObservationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	rec, accepted, err := s.app.Collector.Observe(r.Context(), usage.Observation{
		Handle:      req.Handle,
		PlatformID:  req.PlatformID,
		DisplayName: req.DisplayName,
		Seconds:     req.Seconds,
	})
	if err != nil {
		s.app.Logger.Error("record observation failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to record observation")
		return
	}
	resp := api.ObservationResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Accepted:      accepted,
	}
	if accepted {
		item := toUsageItem(rec)
		resp.Record = &item
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	report, err := s.app.Orchestrator.Sync(r.Context(), "manual")
	resp := api.SyncResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Report:        toSyncReport(report),
	}
	if err != nil {
		resp.Error = security.RedactError(err.Error())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	status := model.QueueStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", model.QueueQueued, model.QueueInFlight, model.QueueFailed:
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, fmt.Sprintf("unknown queue status %q", status))
		return
	}
	items, err := s.app.Queue.List(r.Context(), status)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list queue")
		return
	}
	depth, err := s.app.Queue.Depth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to read queue depth")
		return
	}
	resp := api.QueueEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Depth:         map[string]int{},
		Items:         make([]api.QueueItem, 0, len(items)),
	}
	for k, v := range depth {
		resp.Depth[string(k)] = v
	}
	for _, item := range items {
		resp.Items = append(resp.Items, toQueueItem(item))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) queueItemHandler(w http.ResponseWriter, r *http.Request) {
	queueID, verb, ok := s.splitIDRoute(w, r.URL.Path, "/v1/queue/", "queue route not found")
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	item, err := s.app.Store.GetQueueItem(r.Context(), queueID)
	if errors.Is(err, db.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "queue item not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load queue item")
		return
	}
	switch verb {
	case "retry":
		if item.Status != model.QueueFailed {
			s.writeError(w, http.StatusConflict, model.ErrCodeConflict, fmt.Sprintf("queue item is %s, only failed items can be retried", item.Status))
			return
		}
		err = s.app.Queue.Retry(r.Context(), queueID)
	case "discard":
		if item.Status == model.QueueInFlight {
			s.writeError(w, http.StatusConflict, model.ErrCodeConflict, "queue item is being delivered")
			return
		}
		err = s.app.Queue.Discard(r.Context(), queueID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "queue route not found")
		return
	}
	if errors.Is(err, db.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "queue item not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) commandsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	query := r.URL.Query()
	dir := db.CommandDirection(strings.TrimSpace(query.Get("direction")))
	switch dir {
	case "":
		dir = db.CommandInbound
		if s.app.Config.Role == model.RoleController {
			dir = db.CommandOutbound
		}
	case db.CommandInbound, db.CommandOutbound:
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, fmt.Sprintf("unknown direction %q", dir))
		return
	}
	status := model.CommandStatus(strings.TrimSpace(query.Get("status")))
	switch status {
	case "", model.CommandPending, model.CommandExecuted, model.CommandFailed:
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, fmt.Sprintf("unknown command status %q", status))
		return
	}
	cmds, err := s.app.Store.ListCommands(r.Context(), dir, status)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list commands")
		return
	}
	resp := api.CommandsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Commands:      make([]api.CommandItem, 0, len(cmds)),
	}
	for _, cmd := range cmds {
		resp.Commands = append(resp.Commands, toCommandItem(dir, cmd))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) commandByIDHandler(w http.ResponseWriter, r *http.Request) {
	commandID, verb, ok := s.splitIDRoute(w, r.URL.Path, "/v1/commands/", "command route not found")
	if !ok {
		return
	}
	if verb != "reissue" {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "command route not found")
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.requireController(w) {
		return
	}
	cmd, err := s.app.Orchestrator.Issuer().Reissue(r.Context(), commandID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "command not found")
		return
	case errors.Is(err, command.ErrNotReissuable):
		s.writeError(w, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	case err != nil:
		s.app.Logger.Error("reissue command failed", "command_id", commandID, "err", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to reissue command")
		return
	}
	s.writeJSON(w, http.StatusOK, api.CommandResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Command:       toCommandItem(db.CommandOutbound, cmd),
	})
}

func (s *Server) configurationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.requireController(w) {
		return
	}
	var req api.ConfigurationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "device_id is required")
		return
	}
	delta := model.ConfigurationDelta{
		LogicalAppID: model.LogicalAppID(strings.TrimSpace(req.LogicalAppID)),
		Rate:         req.Rate,
		Enabled:      req.Enabled,
		Enforced:     req.Enforced,
	}
	if req.Category != nil {
		c := model.Category(*req.Category)
		delta.Category = &c
	}
	cmd, err := s.app.Orchestrator.Issuer().SetConfiguration(r.Context(), deviceID, delta)
	if errors.Is(err, command.ErrInvalidPayload) {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, err.Error())
		return
	}
	if err != nil {
		s.app.Logger.Error("set configuration failed", "target", deviceID, "err", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to set configuration")
		return
	}
	s.writeJSON(w, http.StatusOK, api.CommandResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Command:       toCommandItem(db.CommandOutbound, cmd),
	})
}

func (s *Server) appsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	mappings, err := s.app.Store.ListHandleMappings(r.Context(), s.app.Config.DeviceID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list apps")
		return
	}
	configs, err := s.app.Store.ListConfigurations(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list configurations")
		return
	}
	resp := api.AppsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Apps:          buildAppItems(mappings, configs),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) usageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	records, err := s.app.Collector.Usage(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list usage")
		return
	}
	resp := api.UsageEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		DeviceID:      s.app.Config.DeviceID,
		Records:       make([]api.UsageItem, 0, len(records)),
	}
	for _, rec := range records {
		resp.Records = append(resp.Records, toUsageItem(rec))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) usageResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	n, err := s.app.Collector.Reset(r.Context())
	if err != nil {
		s.app.Logger.Error("usage reset failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to reset usage")
		return
	}
	s.writeJSON(w, http.StatusOK, api.UsageResetResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		DeviceID:      s.app.Config.DeviceID,
		Deleted:       n,
	})
}

// buildAppItems lists every locally mapped app, then configured apps that have
// no local mapping (apps configured from another device).
func buildAppItems(mappings []model.HandleMapping, configs []model.ConfigurationRecord) []api.AppItem {
	byID := make(map[model.LogicalAppID]model.ConfigurationRecord, len(configs))
	for _, c := range configs {
		byID[c.LogicalAppID] = c
	}
	seen := map[model.LogicalAppID]bool{}
	out := make([]api.AppItem, 0, len(mappings)+len(configs))
	for _, m := range mappings {
		if seen[m.LogicalAppID] {
			continue
		}
		seen[m.LogicalAppID] = true
		item := api.AppItem{
			LogicalAppID: string(m.LogicalAppID),
			DisplayName:  m.DisplayName,
			FirstSeenAt:  formatTime(m.CreatedAt),
		}
		applyConfig(&item, byID[m.LogicalAppID], m.LogicalAppID)
		out = append(out, item)
	}
	for _, c := range configs {
		if seen[c.LogicalAppID] {
			continue
		}
		item := api.AppItem{LogicalAppID: string(c.LogicalAppID)}
		applyConfig(&item, c, c.LogicalAppID)
		out = append(out, item)
	}
	return out
}

func applyConfig(item *api.AppItem, rec model.ConfigurationRecord, id model.LogicalAppID) {
	if rec.LogicalAppID == "" {
		rec = model.DefaultConfiguration(id)
		item.Category = string(rec.Category)
		item.Enabled = rec.Enabled
		item.Enforced = rec.Enforced
		return
	}
	item.Category = string(rec.Category)
	rate := rec.Rate
	item.Rate = &rate
	item.Enabled = rec.Enabled
	item.Enforced = rec.Enforced
}

func (s *Server) requireController(w http.ResponseWriter) bool {
	if s.app.Config.Role == model.RoleController {
		return true
	}
	s.writeError(w, http.StatusForbidden, model.ErrCodeRoleMismatch, "only a controller device can issue commands")
	return false
}

// splitIDRoute parses "<prefix><id>/<verb>".
func (s *Server) splitIDRoute(w http.ResponseWriter, path, prefix, notFound string) (string, string, bool) {
	tail := strings.TrimPrefix(path, prefix)
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, notFound)
		return "", "", false
	}
	id, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "invalid id encoding")
		return "", "", false
	}
	return strings.TrimSpace(id), parts[1], true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "invalid json body")
		return false
	}
	return true
}

func toUsageItem(rec model.UsageRecord) api.UsageItem {
	return api.UsageItem{
		LogicalAppID:       string(rec.LogicalAppID),
		DeviceID:           rec.DeviceID,
		SessionStart:       formatTime(rec.SessionStart),
		SessionEnd:         formatTime(rec.SessionEnd),
		Category:           string(rec.Category),
		AccumulatedSeconds: rec.AccumulatedSeconds,
		DerivedPoints:      rec.DerivedPoints,
		Synced:             rec.Synced,
	}
}

func toSyncReport(r syncer.Report) api.SyncReport {
	out := api.SyncReport{
		Role:       string(r.Role),
		Reason:     r.Reason,
		DurationMS: r.Duration.Milliseconds(),
		Coalesced:  r.Coalesced,
		Drain: api.DrainSummary{
			Delivered:    r.Drain.Delivered,
			Retried:      r.Drain.Retried,
			DeadLettered: r.Drain.DeadLettered,
			Skipped:      r.Drain.Skipped,
		},
		RemoteHealth:      string(r.Health),
		CommandsExecuted:  r.Commands.Executed,
		CommandsFailed:    r.Commands.Failed,
		CommandsSkipped:   r.Commands.Skipped,
		Uploaded:          r.Uploaded,
		UploadsQueued:     r.UploadsQueued,
		CommandsRefreshed: r.CommandsRefreshed,
		ConfigsAdopted:    r.ConfigsAdopted,
	}
	if !r.StartedAt.IsZero() {
		out.StartedAt = formatTime(r.StartedAt)
	}
	for _, row := range r.Summary {
		out.Summary = append(out.Summary, api.UsageSummaryItem{
			DeviceID:     row.DeviceID,
			DisplayName:  row.DisplayName,
			LogicalAppID: string(row.LogicalAppID),
			Category:     string(row.Category),
			Seconds:      row.Seconds,
			Points:       row.Points,
			Sessions:     row.Sessions,
		})
	}
	return out
}

func toQueueItem(item model.QueueItem) api.QueueItem {
	return api.QueueItem{
		QueueID:    item.QueueID,
		Kind:       string(item.Kind),
		DedupeKey:  item.DedupeKey,
		CreatedAt:  formatTime(item.CreatedAt),
		UpdatedAt:  formatTime(item.UpdatedAt),
		RetryCount: item.RetryCount,
		LastError:  item.LastError,
		Status:     string(item.Status),
	}
}

func toCommandItem(dir db.CommandDirection, cmd model.Command) api.CommandItem {
	item := api.CommandItem{
		CommandID:      cmd.CommandID,
		Direction:      string(dir),
		TargetDeviceID: cmd.TargetDeviceID,
		Kind:           string(cmd.Kind),
		CreatedAt:      formatTime(cmd.CreatedAt),
		Status:         string(cmd.Status),
		Error:          cmd.Error,
	}
	if cmd.ExecutedAt != nil {
		at := formatTime(*cmd.ExecutedAt)
		item.ExecutedAt = &at
	}
	return item
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.socketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
