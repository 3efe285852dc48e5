package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/recorder"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// fakeController records the calls made by the command handler.
type fakeController struct {
	mu      sync.Mutex
	calls   []string
	options []config.OptionsPatch
	patches []config.Patch
	err     error
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) StartRecording() error  { return f.record("start") }
func (f *fakeController) FinishRecording() error { return f.record("finish") }
func (f *fakeController) CancelRecording() error { return f.record("cancel") }
func (f *fakeController) CancelEncoding() error  { return f.record("cancel_encoding") }

func (f *fakeController) SetEncoding(kind types.EncodingKind) error {
	return f.record("set_encoding:" + string(kind))
}

func (f *fakeController) SetOptions(p config.OptionsPatch) error {
	f.mu.Lock()
	f.options = append(f.options, p)
	f.mu.Unlock()
	return f.record("set_options")
}

func (f *fakeController) Configure(p config.Patch) error {
	f.mu.Lock()
	f.patches = append(f.patches, p)
	f.mu.Unlock()
	return f.record("configure")
}

func (f *fakeController) Status() types.RecorderStatus {
	return types.RecorderStatus{State: types.StateIdle, Encoding: types.EncodingWAV, NumChannels: 2}
}

func (f *fakeController) Levels() types.AudioLevels {
	return types.AudioLevels{RMS: []float64{-60, -60}, Peak: []float64{-60, -60}}
}

func (f *fakeController) Config() config.Recorder { return config.DefaultRecorder() }

func (f *fakeController) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testServer struct {
	*httptest.Server
	ctrl *fakeController
	hub  *Hub
	cfg  *config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.yaml"))
	cfg.Notifications.LogPath = filepath.Join(t.TempDir(), "sessions.jsonl")

	ctrl := &fakeController{}
	hub := NewHub()
	commands := NewCommandHandler(cfg, ctrl,
		func() []types.AudioDevice { return []types.AudioDevice{{ID: "hw:0", Name: "Test"}} },
		map[string]func() error{
			"webhook": func() error { return nil },
			"email":   func() error { return errors.New("SMTP host not configured") },
		},
	)
	srv := New(cfg, ctrl, hub, commands, func() types.VersionInfo { return types.VersionInfo{Current: "test"} })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, ctrl: ctrl, hub: hub, cfg: cfg}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	creds := config.DefaultWebUsername + ":" + config.DefaultWebPassword
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))

	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if err != nil {
		t.Fatalf("Dial() error = %v (response %v)", err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads messages until one of the given type arrives.
func next(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Timed out waiting for %s message: %v", msgType, err)
		}
		if msg["type"] == msgType {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, cmd string, data any) {
	t.Helper()
	msg := map[string]any{"type": cmd, "id": "1"}
	if data != nil {
		msg["data"] = data
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func TestWebSocket_RequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if _, _, err := websocket.DefaultDialer.Dial(u, nil); err == nil {
		t.Error("Expected unauthenticated WebSocket dial to fail")
	}
}

func TestWebSocket_InitialStatus(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	msg := next(t, conn, "status")
	rec, ok := msg["recorder"].(map[string]any)
	if !ok || rec["state"] != "idle" || rec["num_channels"] != float64(2) {
		t.Errorf("Unexpected status %v", msg)
	}
	next(t, conn, "levels")
}

func TestWebSocket_Commands(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	for _, cmd := range []string{"start", "finish", "cancel", "cancel_encoding"} {
		send(t, conn, cmd, nil)
		if res := next(t, conn, "result"); res["success"] != true || res["command"] != cmd {
			t.Errorf("%s: unexpected result %v", cmd, res)
		}
	}
	send(t, conn, "set_encoding", map[string]any{"encoding": "mp3"})
	next(t, conn, "result")

	want := []string{"start", "finish", "cancel", "cancel_encoding", "set_encoding:mp3"}
	got := ts.ctrl.called()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestWebSocket_CommandErrorIsReported(t *testing.T) {
	ts := newTestServer(t)
	ts.ctrl.err = &recorder.CallError{Op: "startRecording", Msg: "previous recording is running"}
	conn := ts.dial(t)

	send(t, conn, "start", nil)
	res := next(t, conn, "result")
	if res["success"] != false || res["error"] != "startRecording: previous recording is running" {
		t.Errorf("Unexpected result %v", res)
	}

	send(t, conn, "bogus", nil)
	if res := next(t, conn, "result"); res["success"] != false {
		t.Errorf("Expected unknown command to fail, got %v", res)
	}
}

func TestWebSocket_SetOptionsConvertsSeconds(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, "set_options", map[string]any{
		"time_limit":          1.5,
		"encode_after_record": true,
		"ogg":                 map[string]any{"quality": 0.8},
		"extra":               map[string]any{"flac": map[string]any{"level": 5}},
	})
	next(t, conn, "result")

	ts.ctrl.mu.Lock()
	defer ts.ctrl.mu.Unlock()
	if len(ts.ctrl.options) != 1 {
		t.Fatalf("Expected one SetOptions call, got %d", len(ts.ctrl.options))
	}
	p := ts.ctrl.options[0]
	if p.TimeLimit == nil || *p.TimeLimit != 1500*time.Millisecond {
		t.Errorf("Expected time limit 1.5s, got %v", p.TimeLimit)
	}
	if p.EncodeAfterRecord == nil || !*p.EncodeAfterRecord {
		t.Error("Expected encode_after_record to be set")
	}
	if p.OGG == nil || p.OGG.Quality == nil || *p.OGG.Quality != 0.8 || p.OGG.MimeType != nil {
		t.Errorf("Unexpected ogg patch %+v", p.OGG)
	}
	if p.MP3 != nil || p.ProgressInterval != nil {
		t.Error("Expected absent fields to stay nil")
	}
	if _, ok := p.Extra["flac"]; !ok {
		t.Errorf("Expected extra options, got %v", p.Extra)
	}
}

func TestWebSocket_Configure(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, "configure", map[string]any{"num_channels": 4, "options": map[string]any{"buffer_size": 1024}})
	next(t, conn, "result")

	ts.ctrl.mu.Lock()
	defer ts.ctrl.mu.Unlock()
	p := ts.ctrl.patches[0]
	if p.NumChannels == nil || *p.NumChannels != 4 || p.Encoding != nil {
		t.Errorf("Unexpected patch %+v", p)
	}
	if p.Options == nil || p.Options.BufferSize == nil || *p.Options.BufferSize != 1024 {
		t.Errorf("Unexpected options patch %+v", p.Options)
	}
}

func TestWebSocket_NotificationTests(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, "test_email", nil)
	if res := next(t, conn, "pending"); res["command"] != "test_email" {
		t.Errorf("Unexpected pending reply %v", res)
	}
	res := next(t, conn, "result")
	if res["success"] != false || res["error"] != "SMTP host not configured" {
		t.Errorf("Unexpected test result %v", res)
	}

	send(t, conn, "test_log", nil)
	if res := next(t, conn, "result"); res["success"] != false {
		t.Errorf("Expected unknown test type to fail, got %v", res)
	}
}

func TestWebSocket_ListDevicesAndSessionLog(t *testing.T) {
	ts := newTestServer(t)
	log := `{"timestamp":"t1","event":"recording_complete","session":"a"}
not json
{"timestamp":"t2","event":"recording_failed","session":"b","error":"x"}
`
	if err := os.WriteFile(ts.cfg.Notifications.LogPath, []byte(log), 0o644); err != nil {
		t.Fatal(err)
	}
	conn := ts.dial(t)

	send(t, conn, "list_devices", nil)
	res := next(t, conn, "result")
	devices, ok := res["data"].([]any)
	if !ok || len(devices) != 1 {
		t.Errorf("Unexpected devices %v", res["data"])
	}

	send(t, conn, "view_session_log", nil)
	res = next(t, conn, "result")
	var data sessionLogResult
	raw, _ := json.Marshal(res["data"])
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("Invalid session log result: %v", err)
	}
	if len(data.Entries) != 2 || data.Entries[0].Session != "b" {
		t.Errorf("Expected newest entry first, got %+v", data.Entries)
	}
}

func TestHub_BroadcastsRecorderEvents(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	next(t, conn, "status")

	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var completed int
	cb := ts.hub.Wrap(recorder.Callbacks{OnComplete: func(types.Artifact) { completed++ }})
	cb.OnEncodingProgress(0.25)
	cb.OnComplete(types.Artifact{Session: "s1", Path: "/tmp/s1.wav"})

	ev := next(t, conn, "event")
	if ev["event"] != "progress" || ev["progress"] != 0.25 {
		t.Errorf("Unexpected event %v", ev)
	}
	ev = next(t, conn, "event")
	art, _ := ev["artifact"].(map[string]any)
	if ev["event"] != "complete" || art["session"] != "s1" {
		t.Errorf("Unexpected event %v", ev)
	}
	if completed != 1 {
		t.Errorf("Expected wrapped OnComplete to run once, got %d", completed)
	}
}

func TestLogin_WithCSRFToken(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/login")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var token struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	resp.Body.Close()

	form := url.Values{
		"csrf_token": {token.CSRFToken},
		"username":   {config.DefaultWebUsername},
		"password":   {config.DefaultWebPassword},
	}
	resp, err = http.PostForm(ts.URL+"/login", form)
	if err != nil {
		t.Fatalf("PostForm() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("Expected a session cookie")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.AddCookie(cookie)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected cookie to authenticate, got %d", resp.StatusCode)
	}

	// Tokens are single use.
	resp, err = http.PostForm(ts.URL+"/login", form)
	if err != nil {
		t.Fatalf("PostForm() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected reused token to be rejected, got %d", resp.StatusCode)
	}
}

func TestSessionManager_Expiry(t *testing.T) {
	sm := NewSessionManager()
	now := time.Now()
	sm.now = func() time.Time { return now }

	token := sm.Create()
	if !sm.Validate(token) {
		t.Fatal("Expected fresh session to be valid")
	}
	now = now.Add(sessionDuration + time.Second)
	if sm.Validate(token) {
		t.Error("Expected expired session to be rejected")
	}
	if sm.Validate("") {
		t.Error("Expected empty token to be rejected")
	}
}
