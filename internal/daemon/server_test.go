package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/famsync/internal/api"
	"github.com/g960059/famsync/internal/app"
	"github.com/g960059/famsync/internal/config"
	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/remote/memstore"
)

func openApp(t *testing.T, socketPath, deviceID string, role model.Role, rs *memstore.Store) *app.App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DeviceID = deviceID
	cfg.Role = role
	cfg.SocketPath = socketPath
	cfg.DBPath = filepath.Join(t.TempDir(), "state.db")
	cfg.MaxRetries = 1
	if rs == nil {
		rs = memstore.New()
	}
	a, err := app.Open(context.Background(), cfg, app.Options{Remote: rs})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
	})
	return a
}

// startServer runs srv until the test ends and returns a client bound to its
// socket.
func startServer(t *testing.T, srv *Server, socketPath string) *http.Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	waitForSocket(t, socketPath, errCh)
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil && err != context.Canceled {
				t.Errorf("server error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("timeout waiting for server shutdown")
		}
	})
	return &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}}
}

func doJSON(t *testing.T, client *http.Client, method, path string, body any, out any) int {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, "http://unix"+path, reqBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	if out != nil && resp.StatusCode >= 400 {
		if er, ok := out.(*api.ErrorResponse); ok {
			if err := json.NewDecoder(resp.Body).Decode(er); err != nil {
				t.Fatalf("decode error %s %s: %v", method, path, err)
			}
		}
	}
	return resp.StatusCode
}

func TestHealthEndpointOverUDS(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "famsyncd.sock")
	a := openApp(t, socketPath, "parent-1", model.RoleController, nil)
	client := startServer(t, NewServer(a), socketPath)

	var payload api.HealthResponse
	if status := doJSON(t, client, http.MethodGet, "/v1/health", nil, &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if payload.SchemaVersion != "v1" || payload.Status != "ok" || payload.DeviceID != "parent-1" || payload.Role != "controller" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.RemoteHealth != string(model.RemoteHealthOK) || payload.LastSyncAt != nil {
		t.Fatalf("unexpected health state: %+v", payload)
	}

	var errResp api.ErrorResponse
	if status := doJSON(t, client, http.MethodPost, "/v1/health", nil, &errResp); status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", status)
	}
}

func TestStartFailsWhenSocketPathIsRegularFile(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "famsyncd.sock")
	if err := os.WriteFile(socketPath, []byte("not-a-socket"), 0o600); err != nil {
		t.Fatalf("write regular file: %v", err)
	}
	a := openApp(t, socketPath, "parent-1", model.RoleController, nil)

	err := NewServer(a).Start(context.Background())
	if err == nil {
		t.Fatalf("expected start to fail for non-socket file")
	}
	if err := os.Remove(socketPath); err != nil {
		t.Fatalf("regular file should remain for caller cleanup, got remove error: %v", err)
	}
}

func TestSingleInstanceLock(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "famsyncd.sock")
	first := openApp(t, socketPath, "parent-1", model.RoleController, nil)
	second := openApp(t, socketPath, "parent-1", model.RoleController, nil)

	srv1 := NewServer(first)
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	errCh1 := make(chan error, 1)
	go func() {
		errCh1 <- srv1.Start(ctx1)
	}()
	waitForSocket(t, socketPath, errCh1)

	err := NewServer(second).Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "daemon already running") {
		t.Fatalf("expected lock contention error, got: %v", err)
	}

	cancel1()
	select {
	case err := <-errCh1:
		if err != nil && err != context.Canceled {
			t.Fatalf("server1 shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server1 shutdown")
	}

	startServer(t, NewServer(second), socketPath)
}

func TestAgentObserveSyncAndApps(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "famsyncd.sock")
	shared := memstore.New()
	a := openApp(t, socketPath, "child-1", model.RoleAgent, shared)
	client := startServer(t, NewServer(a), socketPath)

	var obs api.ObservationResponse
	status := doJSON(t, client, http.MethodPost, "/v1/observations", api.ObservationRequest{
		Handle:      []byte("maps-token"),
		DisplayName: "Maps",
		Seconds:     90,
	}, &obs)
	if status != http.StatusOK || !obs.Accepted || obs.Record == nil {
		t.Fatalf("unexpected observation response: %d %+v", status, obs)
	}
	if obs.Record.AccumulatedSeconds != 90 || obs.Record.Synced {
		t.Fatalf("unexpected record: %+v", obs.Record)
	}

	var dropped api.ObservationResponse
	doJSON(t, client, http.MethodPost, "/v1/observations", api.ObservationRequest{Handle: []byte("maps-token"), Seconds: 0}, &dropped)
	if dropped.Accepted || dropped.Record != nil {
		t.Fatalf("zero-second observation must be dropped: %+v", dropped)
	}

	var errResp api.ErrorResponse
	if status := doJSON(t, client, http.MethodPost, "/v1/observations", map[string]any{"seconds": 1, "bogus": true}, &errResp); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", status)
	}
	if errResp.Error.Code != model.ErrCodeInvalid {
		t.Fatalf("unexpected error code: %+v", errResp)
	}

	var syncResp api.SyncResponse
	if status := doJSON(t, client, http.MethodPost, "/v1/sync", nil, &syncResp); status != http.StatusOK {
		t.Fatalf("sync status %d", status)
	}
	if syncResp.Error != "" || syncResp.Report.Uploaded != 1 || syncResp.Report.Role != "agent" || syncResp.Report.Reason != "manual" {
		t.Fatalf("unexpected sync response: %+v", syncResp)
	}

	var apps api.AppsEnvelope
	doJSON(t, client, http.MethodGet, "/v1/apps", nil, &apps)
	if len(apps.Apps) != 1 || apps.Apps[0].DisplayName != "Maps" || apps.Apps[0].LogicalAppID != obs.Record.LogicalAppID {
		t.Fatalf("unexpected apps: %+v", apps.Apps)
	}
	if !apps.Apps[0].Enabled || apps.Apps[0].Category != string(model.CategoryPrimary) || apps.Apps[0].Rate != nil {
		t.Fatalf("unconfigured app must report defaults: %+v", apps.Apps[0])
	}

	var health api.HealthResponse
	doJSON(t, client, http.MethodGet, "/v1/health", nil, &health)
	if health.LastSyncAt == nil {
		t.Fatalf("health must report the last sync")
	}
}

func TestQueueRetryAndDiscard(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "famsyncd.sock")
	shared := memstore.New()
	shared.SetOffline(true)
	a := openApp(t, socketPath, "child-1", model.RoleAgent, shared)
	client := startServer(t, NewServer(a), socketPath)

	doJSON(t, client, http.MethodPost, "/v1/observations", api.ObservationRequest{PlatformID: "com.example.maps", Seconds: 30}, nil)
	// The first pass queues the upload; the second dead-letters it (max_retries 1)
	// and queues a fresh copy.
	for i := 0; i < 2; i++ {
		var syncResp api.SyncResponse
		doJSON(t, client, http.MethodPost, "/v1/sync", nil, &syncResp)
		if syncResp.Error == "" {
			t.Fatalf("offline pass %d must report errors", i)
		}
	}

	var failed api.QueueEnvelope
	doJSON(t, client, http.MethodGet, "/v1/queue?status=failed", nil, &failed)
	if len(failed.Items) != 1 || failed.Items[0].Kind != string(model.OpUploadUsage) || failed.Items[0].LastError == "" {
		t.Fatalf("unexpected failed items: %+v", failed.Items)
	}
	if failed.Depth["failed"] != 1 || failed.Depth["queued"] != 1 {
		t.Fatalf("unexpected depth: %+v", failed.Depth)
	}
	deadID := failed.Items[0].QueueID

	var queued api.QueueEnvelope
	doJSON(t, client, http.MethodGet, "/v1/queue?status=queued", nil, &queued)
	if len(queued.Items) != 1 {
		t.Fatalf("unexpected queued items: %+v", queued.Items)
	}
	liveID := queued.Items[0].QueueID

	var errResp api.ErrorResponse
	if status := doJSON(t, client, http.MethodPost, "/v1/queue/"+liveID+"/retry", nil, &errResp); status != http.StatusConflict {
		t.Fatalf("retry of a queued item: expected 409, got %d", status)
	}
	if status := doJSON(t, client, http.MethodPost, "/v1/queue/"+deadID+"/retry", nil, nil); status != http.StatusNoContent {
		t.Fatalf("retry: expected 204, got %d", status)
	}
	var after api.QueueEnvelope
	doJSON(t, client, http.MethodGet, "/v1/queue", nil, &after)
	if after.Depth["failed"] != 0 || after.Depth["queued"] != 1 {
		t.Fatalf("retry must fold the dead letter into the live item: %+v", after.Depth)
	}

	if status := doJSON(t, client, http.MethodPost, "/v1/queue/"+liveID+"/discard", nil, nil); status != http.StatusNoContent {
		t.Fatalf("discard: expected 204, got %d", status)
	}
	if status := doJSON(t, client, http.MethodPost, "/v1/queue/"+liveID+"/discard", nil, &errResp); status != http.StatusNotFound {
		t.Fatalf("second discard: expected 404, got %d", status)
	}
	if status := doJSON(t, client, http.MethodGet, "/v1/queue?status=bogus", nil, &errResp); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", status)
	}
}

func TestControllerConfigurationAndCommands(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "famsyncd.sock")
	shared := memstore.New()
	a := openApp(t, socketPath, "parent-1", model.RoleController, shared)
	client := startServer(t, NewServer(a), socketPath)

	rate := 2.0
	enforced := true
	var created api.CommandResponse
	status := doJSON(t, client, http.MethodPost, "/v1/configurations", api.ConfigurationRequest{
		DeviceID:     "child-1",
		LogicalAppID: "L1",
		Rate:         &rate,
		Enforced:     &enforced,
	}, &created)
	if status != http.StatusOK {
		t.Fatalf("set configuration status %d", status)
	}
	if created.Command.TargetDeviceID != "child-1" || created.Command.Status != "pending" || created.Command.Direction != "outbound" {
		t.Fatalf("unexpected command: %+v", created.Command)
	}
	pending, err := shared.ListPendingCommands(context.Background(), "child-1")
	if err != nil || len(pending) != 1 {
		t.Fatalf("command must reach the remote store: %v %+v", err, pending)
	}

	var errResp api.ErrorResponse
	bad := "tertiary"
	if status := doJSON(t, client, http.MethodPost, "/v1/configurations", api.ConfigurationRequest{DeviceID: "child-1", LogicalAppID: "L1", Category: &bad}, &errResp); status != http.StatusBadRequest {
		t.Fatalf("invalid category: expected 400, got %d", status)
	}
	if status := doJSON(t, client, http.MethodPost, "/v1/configurations", api.ConfigurationRequest{LogicalAppID: "L1"}, &errResp); status != http.StatusBadRequest {
		t.Fatalf("missing device: expected 400, got %d", status)
	}

	var cmds api.CommandsEnvelope
	doJSON(t, client, http.MethodGet, "/v1/commands", nil, &cmds)
	if len(cmds.Commands) != 1 || cmds.Commands[0].CommandID != created.Command.CommandID {
		t.Fatalf("unexpected commands: %+v", cmds.Commands)
	}
	doJSON(t, client, http.MethodGet, "/v1/commands?direction=inbound", nil, &cmds)
	if len(cmds.Commands) != 0 {
		t.Fatalf("controller has no inbound commands: %+v", cmds.Commands)
	}

	reissuePath := "/v1/commands/" + created.Command.CommandID + "/reissue"
	if status := doJSON(t, client, http.MethodPost, reissuePath, nil, &errResp); status != http.StatusConflict {
		t.Fatalf("reissue of pending command: expected 409, got %d", status)
	}
	if status := doJSON(t, client, http.MethodPost, "/v1/commands/missing/reissue", nil, &errResp); status != http.StatusNotFound {
		t.Fatalf("reissue of unknown command: expected 404, got %d", status)
	}

	if err := shared.UpdateCommandStatus(context.Background(), model.CommandAck{
		CommandID:  created.Command.CommandID,
		Status:     model.CommandFailed,
		ExecutedAt: time.Now().UTC(),
		Error:      "E_PAYLOAD_INVALID: test",
	}); err != nil {
		t.Fatalf("fail command remotely: %v", err)
	}
	var reissued api.CommandResponse
	if status := doJSON(t, client, http.MethodPost, reissuePath, nil, &reissued); status != http.StatusOK {
		t.Fatalf("reissue status %d", status)
	}
	if reissued.Command.CommandID == created.Command.CommandID || reissued.Command.Status != "pending" {
		t.Fatalf("unexpected reissued command: %+v", reissued.Command)
	}
	doJSON(t, client, http.MethodGet, "/v1/commands?status=failed", nil, &cmds)
	if len(cmds.Commands) != 1 || cmds.Commands[0].ExecutedAt == nil || cmds.Commands[0].Error == "" {
		t.Fatalf("failed command must stay failed: %+v", cmds.Commands)
	}

	var apps api.AppsEnvelope
	doJSON(t, client, http.MethodGet, "/v1/apps", nil, &apps)
	if len(apps.Apps) != 1 || apps.Apps[0].LogicalAppID != "L1" || apps.Apps[0].Rate == nil || *apps.Apps[0].Rate != 2 || !apps.Apps[0].Enforced {
		t.Fatalf("configured app must be listed: %+v", apps.Apps)
	}
}

func TestAgentCannotIssueCommands(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "famsyncd.sock")
	a := openApp(t, socketPath, "child-1", model.RoleAgent, nil)
	client := startServer(t, NewServer(a), socketPath)

	var errResp api.ErrorResponse
	status := doJSON(t, client, http.MethodPost, "/v1/configurations", api.ConfigurationRequest{DeviceID: "child-2", LogicalAppID: "L1"}, &errResp)
	if status != http.StatusForbidden || errResp.Error.Code != model.ErrCodeRoleMismatch {
		t.Fatalf("expected role mismatch, got %d %+v", status, errResp)
	}
	status = doJSON(t, client, http.MethodPost, "/v1/commands/c1/reissue", nil, &errResp)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for reissue, got %d", status)
	}
	if status := doJSON(t, client, http.MethodGet, "/v1/commands?direction=sideways", nil, &errResp); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown direction, got %d", status)
	}
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || err == context.Canceled {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil {
			if st.Mode()&os.ModeSocket != 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", path)
}

func isUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "address family not supported")
}

func TestUsageListAndReset(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "famsyncd.sock")
	a := openApp(t, socketPath, "child-1", model.RoleAgent, nil)
	client := startServer(t, NewServer(a), socketPath)

	doJSON(t, client, http.MethodPost, "/v1/observations", api.ObservationRequest{PlatformID: "com.example.maps", Seconds: 45}, nil)

	var env api.UsageEnvelope
	if status := doJSON(t, client, http.MethodGet, "/v1/usage", nil, &env); status != http.StatusOK {
		t.Fatalf("usage status %d", status)
	}
	if env.DeviceID != "child-1" || len(env.Records) != 1 || env.Records[0].AccumulatedSeconds != 45 {
		t.Fatalf("unexpected usage: %+v", env)
	}

	if status := doJSON(t, client, http.MethodGet, "/v1/usage/reset", nil, nil); status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET reset, got %d", status)
	}
	var reset api.UsageResetResponse
	if status := doJSON(t, client, http.MethodPost, "/v1/usage/reset", nil, &reset); status != http.StatusOK {
		t.Fatalf("reset status %d", status)
	}
	if reset.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", reset.Deleted)
	}
	env = api.UsageEnvelope{}
	doJSON(t, client, http.MethodGet, "/v1/usage", nil, &env)
	if len(env.Records) != 0 {
		t.Fatalf("usage must be empty after reset: %+v", env.Records)
	}
}
