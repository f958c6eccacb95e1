package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/g960059/famsync/internal/api"
)

func newTestRunner(t *testing.T, mux *http.ServeMux) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return NewRunnerWithClient(srv.URL, srv.Client(), out, errOut), out, errOut
}

func TestStatusJSONCallsAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T10:00:00Z","status":"ok","device_id":"child-1","role":"agent","remote_health":"ok"}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"status", "--json"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out.String())
	}
	if resp.DeviceID != "child-1" || resp.RemoteHealth != "ok" {
		t.Fatalf("unexpected health output: %+v", resp)
	}

	out.Reset()
	if code := r.Run(context.Background(), []string{"status"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "child-1\tagent\tremote=ok\tlast_sync=never") {
		t.Fatalf("unexpected status output: %s", out.String())
	}
}

func TestQueueListPassesStatusFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "failed" {
			t.Fatalf("expected status=failed, got %q", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T10:00:00Z","depth":{"failed":1},"items":[{"queue_id":"q1","kind":"upload_usage","created_at":"2026-03-01T10:00:00Z","updated_at":"2026-03-01T10:00:00Z","retry_count":3,"last_error":"remote unavailable","status":"failed"}]}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"queue", "list", "--status", "failed"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "q1\tupload_usage\tfailed\t3\tremote unavailable") {
		t.Fatalf("unexpected queue output: %s", out.String())
	}
}

func TestQueueRetryAndDiscardCallAPI(t *testing.T) {
	var paths []string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/queue/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"queue", "retry", "q1"}); code != 0 {
		t.Fatalf("retry: expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if code := r.Run(context.Background(), []string{"queue", "discard", "q2"}); code != 0 {
		t.Fatalf("discard: expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if len(paths) != 2 || paths[0] != "/v1/queue/q1/retry" || paths[1] != "/v1/queue/q2/discard" {
		t.Fatalf("unexpected paths: %v", paths)
	}
	if !strings.Contains(out.String(), "requeued q1") || !strings.Contains(out.String(), "discarded q2") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	if code := r.Run(context.Background(), []string{"queue", "retry"}); code != 2 {
		t.Fatalf("expected usage exit 2 without id, got %d", code)
	}
}

func TestSyncReportsPassErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T10:00:00Z","report":{"role":"agent","reason":"manual","started_at":"2026-03-01T10:00:00Z","duration_ms":4,"coalesced":false,"remote_health":"degraded","drain":{"delivered":0,"retried":1,"dead_lettered":0,"skipped":0},"commands_executed":0,"commands_failed":0,"commands_skipped":0,"uploaded":0,"uploads_queued":2,"commands_refreshed":0,"configs_adopted":0},"error":"remote unavailable"}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"sync"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(out.String(), "usage\tuploaded=0\tqueued=2") {
		t.Fatalf("expected report before error, got: %s", out.String())
	}
	if !strings.Contains(errOut.String(), "remote unavailable") {
		t.Fatalf("expected pass error on stderr, got: %s", errOut.String())
	}
}

func TestObserveSendsHandle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observations", func(w http.ResponseWriter, r *http.Request) {
		var req api.ObservationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode observation: %v", err)
		}
		if string(req.Handle) != "tok-1" || req.DisplayName != "Maps" || req.Seconds != 90 {
			t.Fatalf("unexpected observation: %+v", req)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T10:00:00Z","accepted":true,"record":{"logical_app_id":"L1","device_id":"child-1","session_start":"2026-03-01T10:00:00Z","session_end":"2026-03-01T10:01:30Z","category":"primary","accumulated_seconds":90,"derived_points":1.5,"synced":false}}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	code := r.Run(context.Background(), []string{"observe", "--handle", "tok-1", "--name", "Maps", "--seconds", "90"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "L1\tprimary\t90s\t1.50") {
		t.Fatalf("unexpected observe output: %s", out.String())
	}

	if code := r.Run(context.Background(), []string{"observe", "--seconds", "5"}); code != 2 {
		t.Fatalf("expected usage exit 2 without handle, got %d", code)
	}
}

func TestConfigSetSendsOnlyChangedFields(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/configurations", func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req api.ConfigurationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode configuration: %v", err)
		}
		if req.DeviceID != "child-1" || req.LogicalAppID != "L1" {
			t.Fatalf("unexpected target: %+v", req)
		}
		if req.Rate == nil || *req.Rate != 2.5 || req.Enabled == nil || *req.Enabled {
			t.Fatalf("expected rate and enabled to be set: %+v", req)
		}
		if req.Category != nil || req.Enforced != nil {
			t.Fatalf("unchanged fields must be omitted: %+v", req)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T10:00:00Z","command":{"command_id":"c2","direction":"outbound","target_device_id":"child-1","kind":"set_configuration","created_at":"2026-03-01T10:00:00Z","status":"pending"}}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	code := r.Run(context.Background(), []string{"config", "set", "L1", "--device", "child-1", "--rate", "2.5", "--enabled=false"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "issued c2 to child-1") {
		t.Fatalf("unexpected config output: %s", out.String())
	}

	if code := r.Run(context.Background(), []string{"config", "set", "L1", "--device", "child-1"}); code != 2 {
		t.Fatalf("expected usage exit 2 with nothing to change, got %d", code)
	}
	if code := r.Run(context.Background(), []string{"config", "set", "L1", "--rate", "1"}); code != 2 {
		t.Fatalf("expected usage exit 2 without --device, got %d", code)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one configuration request, got %d", calls)
	}
}

func TestCommandsReissueSurfacesAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/commands/c1/reissue", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T10:00:00Z","error":{"code":"E_COMMAND_STATE","message":"command c1 is pending"}}`)
	})
	mux.HandleFunc("/v1/commands", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("direction") != "outbound" {
			t.Fatalf("expected direction=outbound, got %q", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T10:00:00Z","commands":[{"command_id":"c1","direction":"outbound","target_device_id":"child-1","kind":"set_configuration","created_at":"2026-03-01T10:00:00Z","status":"pending"}]}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"commands", "list", "--direction", "outbound"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "c1\toutbound\tchild-1\tpending") {
		t.Fatalf("unexpected commands output: %s", out.String())
	}

	if code := r.Run(context.Background(), []string{"commands", "reissue", "c1"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "E_COMMAND_STATE") {
		t.Fatalf("expected error code on stderr, got: %s", errOut.String())
	}
}

func TestAppsListTabular(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/apps", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T10:00:00Z","apps":[{"logical_app_id":"L1","display_name":"Maps","first_seen_at":"2026-03-01T10:00:00Z","category":"primary","enabled":true,"enforced":false},{"logical_app_id":"L2","display_name":"Game","first_seen_at":"2026-03-01T10:00:00Z","category":"secondary","rate":0.5,"enabled":false,"enforced":true}]}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"apps", "list"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	got := out.String()
	if !strings.Contains(got, "L1\tMaps\tprimary\t-\tenabled") {
		t.Fatalf("expected default-configured app row, got: %s", got)
	}
	if !strings.Contains(got, "L2\tGame\tsecondary\t0.5\tdisabled,enforced") {
		t.Fatalf("expected configured app row, got: %s", got)
	}
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	r, _, errOut := newTestRunner(t, http.NewServeMux())
	if code := r.Run(context.Background(), []string{"bogus"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("expected unknown command error, got: %s", errOut.String())
	}
	if code := r.Run(context.Background(), []string{"status", "--nope"}); code != 2 {
		t.Fatalf("expected exit 2 for unknown flag, got %d", code)
	}
}

func TestDaemonUnreachableIsRunError(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunner(t.TempDir()+"/missing.sock", out, errOut)
	if code := r.Run(context.Background(), []string{"status"}); code != 1 {
		t.Fatalf("expected exit 1, got %d stderr=%s", code, errOut.String())
	}
}

func TestUsageResetRequiresConfirmation(t *testing.T) {
	resets := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/usage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T10:00:00Z","device_id":"child-1","records":[{"logical_app_id":"L1","device_id":"child-1","session_start":"2026-03-01T10:00:00Z","session_end":"2026-03-01T10:01:30Z","category":"primary","accumulated_seconds":90,"derived_points":1.5,"synced":true}]}`)
	})
	mux.HandleFunc("/v1/usage/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		resets++
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T10:00:00Z","device_id":"child-1","deleted":1}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"usage", "list"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "L1\tprimary\t2026-03-01T10:00:00Z\t90s\t1.50\tsynced") {
		t.Fatalf("unexpected usage output: %s", out.String())
	}

	if code := r.Run(context.Background(), []string{"usage", "reset"}); code != 2 {
		t.Fatalf("expected usage exit 2 without --yes, got %d", code)
	}
	if resets != 0 {
		t.Fatalf("reset must not be sent without confirmation")
	}
	out.Reset()
	if code := r.Run(context.Background(), []string{"usage", "reset", "--yes"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if resets != 1 || !strings.Contains(out.String(), "deleted 1 usage records on child-1") {
		t.Fatalf("unexpected reset: resets=%d output=%s", resets, out.String())
	}
}

func TestTimeoutFlagBoundsRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	r, _, errOut := newTestRunner(t, mux)

	start := time.Now()
	if code := r.Run(context.Background(), []string{"status", "--timeout", "50ms"}); code != 1 {
		t.Fatalf("expected exit 1, got %d stderr=%s", code, errOut.String())
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("--timeout was not applied")
	}
	if code := r.Run(context.Background(), []string{"status", "--timeout", "0s"}); code != 2 {
		t.Fatalf("expected usage exit 2 for a zero timeout, got %d", code)
	}
}
