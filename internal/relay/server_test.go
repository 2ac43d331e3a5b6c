package relay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mehedi37/tasksync/internal/backend"
	"github.com/mehedi37/tasksync/internal/config"
	"github.com/mehedi37/tasksync/internal/dispatch"
	"github.com/mehedi37/tasksync/internal/observability"
	"github.com/mehedi37/tasksync/internal/poll"
	"github.com/mehedi37/tasksync/internal/storage"
	"github.com/mehedi37/tasksync/internal/tasks"
	"github.com/mehedi37/tasksync/internal/tracking"
)

type relayFixture struct {
	srv     *httptest.Server
	manager *tasks.Manager
}

func newRelayFixture(t *testing.T, upstream http.HandlerFunc) *relayFixture {
	t.Helper()

	backendSrv := httptest.NewServer(upstream)
	t.Cleanup(backendSrv.Close)

	metrics := observability.NewMetrics(fmt.Sprintf("test_relay_%d", time.Now().UnixNano()))
	store := storage.NewMemoryStore()
	manager := tasks.NewManager(store, tasks.ManagerConfig{})
	dispatcher := dispatch.NewDispatcher()
	client := backend.NewClient(backendSrv.URL)
	poller := poll.NewPoller(client, manager, metrics, 3)
	t.Cleanup(poller.StopAll)

	tracker := tracking.NewService(tracking.Config{PollInterval: time.Hour}, "client-abc", manager, dispatcher, poller, nil, client, metrics)
	t.Cleanup(tracker.Close)

	api := New(config.Config{}, tracker, manager, client, nil, store, metrics)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &relayFixture{srv: srv, manager: manager}
}

func defaultUpstream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"processing","percentage":10}`))
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { res.Body.Close() })

	var decoded map[string]any
	if res.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(res.Body).Decode(&decoded)
	}
	return res, decoded
}

func TestHealthEndpoints(t *testing.T) {
	f := newRelayFixture(t, defaultUpstream)

	res, body := doJSON(t, http.MethodGet, f.srv.URL+"/healthz", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", res.StatusCode)
	}
	if body["connection"] != "poll-only" {
		t.Fatalf("healthz connection = %v, want poll-only", body["connection"])
	}

	res, _ = doJSON(t, http.MethodGet, f.srv.URL+"/readyz", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /readyz = %d, want 200", res.StatusCode)
	}
}

func TestTrackGetListUntrack(t *testing.T) {
	f := newRelayFixture(t, defaultUpstream)

	res, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/tasks/t-1/track", `{"type":"upload","message":"starting"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("POST track = %d, want 201", res.StatusCode)
	}
	if body["id"] != "t-1" || body["type"] != "upload" {
		t.Fatalf("track response = %v, want id t-1 type upload", body)
	}

	res, body = doJSON(t, http.MethodGet, f.srv.URL+"/v1/tasks/t-1", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET task = %d, want 200", res.StatusCode)
	}
	if body["status"] != "processing" {
		t.Fatalf("task status = %v, want processing", body["status"])
	}

	res, body = doJSON(t, http.MethodGet, f.srv.URL+"/v1/tasks?active=1", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET list = %d, want 200", res.StatusCode)
	}
	if body["count"] != float64(1) {
		t.Fatalf("list count = %v, want 1", body["count"])
	}

	res, _ = doJSON(t, http.MethodDelete, f.srv.URL+"/v1/tasks/t-1", "")
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE task = %d, want 204", res.StatusCode)
	}

	res, _ = doJSON(t, http.MethodGet, f.srv.URL+"/v1/tasks/t-1", "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("GET removed task = %d, want 404", res.StatusCode)
	}
}

func TestCancelEndpoint(t *testing.T) {
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			_, _ = w.Write([]byte(`{"message":"Task cancelled"}`))
			return
		}
		defaultUpstream(w, r)
	})

	doJSON(t, http.MethodPost, f.srv.URL+"/v1/tasks/t-1/track", "")

	res, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/tasks/t-1/cancel", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("POST cancel = %d, want 200", res.StatusCode)
	}
	task, ok := body["task"].(map[string]any)
	if !ok || task["status"] != "cancelled" {
		t.Fatalf("cancel response = %v, want cancelled task", body)
	}
	if _, hasRemote := body["remote_error"]; hasRemote {
		t.Fatalf("cancel response carries remote_error on success: %v", body)
	}
}

func TestCancelSurfacesRemoteFailure(t *testing.T) {
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"detail":"backend unreachable"}`))
			return
		}
		defaultUpstream(w, r)
	})

	doJSON(t, http.MethodPost, f.srv.URL+"/v1/tasks/t-1/track", "")

	res, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/tasks/t-1/cancel", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("POST cancel = %d, want 200 (local cancellation stands)", res.StatusCode)
	}
	task, ok := body["task"].(map[string]any)
	if !ok || task["status"] != "cancelled" {
		t.Fatalf("cancel response = %v, want local cancelled state", body)
	}
	remote, _ := body["remote_error"].(string)
	if !strings.Contains(remote, "backend unreachable") {
		t.Fatalf("remote_error = %q, want the upstream detail", remote)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	f := newRelayFixture(t, defaultUpstream)

	res, _ := doJSON(t, http.MethodPost, f.srv.URL+"/v1/tasks/ghost/cancel", "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("POST cancel unknown = %d, want 404", res.StatusCode)
	}
}

func TestPrefsRoundTrip(t *testing.T) {
	f := newRelayFixture(t, defaultUpstream)

	req, _ := http.NewRequest(http.MethodPut, f.srv.URL+"/v1/prefs/taskManagerVisible", strings.NewReader(`true`))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT pref: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT pref = %d, want 204", res.StatusCode)
	}

	res2, err := http.Get(f.srv.URL + "/v1/prefs/taskManagerVisible")
	if err != nil {
		t.Fatalf("GET pref: %v", err)
	}
	defer res2.Body.Close()
	buf := make([]byte, 16)
	n, _ := res2.Body.Read(buf)
	if got := strings.TrimSpace(string(buf[:n])); got != "true" {
		t.Fatalf("GET pref body = %q, want true", got)
	}

	res3, _ := http.Get(f.srv.URL + "/v1/prefs/secretKey")
	res3.Body.Close()
	if res3.StatusCode != http.StatusNotFound {
		t.Fatalf("GET unknown pref = %d, want 404", res3.StatusCode)
	}

	res4, _ := http.Get(f.srv.URL + "/v1/prefs/taskManagerCollapsed")
	res4.Body.Close()
	if res4.StatusCode != http.StatusNotFound {
		t.Fatalf("GET unset pref = %d, want 404", res4.StatusCode)
	}
}

func TestEventsWSSnapshotAndUpdates(t *testing.T) {
	f := newRelayFixture(t, defaultUpstream)

	doJSON(t, http.MethodPost, f.srv.URL+"/v1/tasks/t-1/track", "")

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot wsFrame
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot frame: %v", err)
	}
	if snapshot.Type != "snapshot" || len(snapshot.Tasks) != 1 {
		t.Fatalf("snapshot frame = %+v, want one tracked task", snapshot)
	}

	p := 50
	if _, err := f.manager.ApplyUpdate("t-1", tasks.Update{Progress: &p}); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	// The poller's initial fetch may interleave its own update frame; read
	// until ours arrives.
	for {
		var update wsFrame
		if err := conn.ReadJSON(&update); err != nil {
			t.Fatalf("read update frame: %v", err)
		}
		if update.Type != "task_update" || update.Task == nil {
			t.Fatalf("update frame = %+v, want task_update", update)
		}
		if update.Task.Progress == 50 {
			return
		}
	}
}

func TestStreamProxyRelaysSSE(t *testing.T) {
	f := newRelayFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/uploads/stream/") {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("data: {\"type\":\"upload_progress\",\"percentage\":30}\n\n"))
			_, _ = w.Write([]byte("data: {\"type\":\"upload_completed\",\"status\":\"completed\"}\n\n"))
			return
		}
		defaultUpstream(w, r)
	})

	res, err := http.Get(f.srv.URL + "/v1/tasks/t-1/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET stream = %d, want 200", res.StatusCode)
	}
	if got := res.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}

	scanner := bufio.NewScanner(res.Body)
	var frames []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			frames = append(frames, line)
		}
	}
	if len(frames) != 2 {
		t.Fatalf("relayed frames = %d (%v), want 2", len(frames), frames)
	}
	if !strings.Contains(frames[0], "upload_progress") || !strings.Contains(frames[1], "upload_completed") {
		t.Fatalf("frames = %v, want progress then completion", frames)
	}
}
