package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitaminmoo/pmlog/internal/ble"
	"github.com/vitaminmoo/pmlog/internal/logstream"
	"github.com/vitaminmoo/pmlog/internal/ota"
	"github.com/vitaminmoo/pmlog/internal/protocol"
	"github.com/vitaminmoo/pmlog/internal/store"
)

type fakeDevice struct {
	mu        sync.Mutex
	connected bool
	record    *protocol.Record
	log       *logstream.Log
	fetched   string
	fetchErr  error
	sent      []string
	phase     ota.Phase
	flashed   chan []byte
	// release, when set, holds UpdateFirmware until closed.
	release   chan struct{}
}

func (d *fakeDevice) Connected() bool { return d.connected }
func (d *fakeDevice) Address() string { return "AA:BB:CC:DD:EE:FF" }

func (d *fakeDevice) Latest() (protocol.Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.record == nil {
		return protocol.Record{}, false
	}
	return *d.record, true
}

func (d *fakeDevice) LatestLog() (logstream.Log, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.log == nil {
		return logstream.Log{}, false
	}
	return *d.log, true
}

func (d *fakeDevice) FetchLog(context.Context) (logstream.Log, error) {
	if d.fetchErr != nil {
		return logstream.Log{}, d.fetchErr
	}
	l := logstream.Log{Data: []byte(d.fetched), Received: time.Now()}
	d.mu.Lock()
	d.log = &l
	d.mu.Unlock()
	return l, nil
}

func (d *fakeDevice) Send(_ context.Context, name string) error {
	if !d.connected {
		return ble.ErrNotConnected
	}
	d.sent = append(d.sent, name)
	return nil
}

func (d *fakeDevice) UpdateFirmware(ctx context.Context, fw []byte, progress func(ota.Progress)) error {
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	progress(ota.Progress{Phase: ota.TransferringSectors, Sector: 1, Sectors: 2, BytesSent: 4096, Total: int64(len(fw))})
	progress(ota.Progress{Phase: ota.Complete, Sector: 2, Sectors: 2, BytesSent: int64(len(fw)), Total: int64(len(fw))})
	if d.flashed != nil {
		d.flashed <- fw
	}
	return nil
}

func (d *fakeDevice) OTAPhase() ota.Phase { return d.phase }

func newTestServer(dev *fakeDevice, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	return New(dev, opts)
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestTelemetry(t *testing.T) {
	dev := &fakeDevice{connected: true}
	s := newTestServer(dev, Options{})

	if rec := do(t, s.Handler(), "GET", "/api/telemetry"); rec.Code != http.StatusNotFound {
		t.Errorf("before first poll: %d", rec.Code)
	}

	r := protocol.ParseStatus("SoC: 98.5%, V: 25.40V", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	dev.record = &r
	rec := do(t, s.Handler(), "GET", "/api/telemetry")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["SoC"] != 98.5 || body["V"] != 25.4 {
		t.Errorf("body = %v", body)
	}
}

func TestLogs(t *testing.T) {
	dev := &fakeDevice{connected: true, fetched: "time,soc\n1,98\n"}
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var onLog int
	s := newTestServer(dev, Options{Store: st, OnLog: func(logstream.Log) { onLog++ }})

	if rec := do(t, s.Handler(), "GET", "/api/logs/latest"); rec.Code != http.StatusNotFound {
		t.Errorf("latest before fetch: %d", rec.Code)
	}

	rec := do(t, s.Handler(), "POST", "/api/logs/fetch")
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch: %d %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != dev.fetched {
		t.Errorf("body = %q", rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "battery_log.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rec.Header().Get("X-Content-Hash") == "" {
		t.Error("log not archived")
	}
	if n, _ := st.Count(); n != 1 || onLog != 1 {
		t.Errorf("archived %d, OnLog %d", n, onLog)
	}

	rec = do(t, s.Handler(), "GET", "/api/logs/latest")
	if rec.Code != http.StatusOK || rec.Body.String() != dev.fetched {
		t.Errorf("latest: %d %q", rec.Code, rec.Body)
	}
}

func TestDeviceErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ble.ErrNotConnected, http.StatusServiceUnavailable},
		{ble.ErrDisconnected, http.StatusServiceUnavailable},
		{fmt.Errorf("waiting for log: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("gatt: write failed"), http.StatusBadGateway},
	}
	for _, test := range tests {
		t.Run(test.err.Error(), func(t *testing.T) {
			s := newTestServer(&fakeDevice{fetchErr: test.err}, Options{})
			if rec := do(t, s.Handler(), "POST", "/api/logs/fetch"); rec.Code != test.code {
				t.Errorf("code = %d, want %d", rec.Code, test.code)
			}
		})
	}
}

func TestCommand(t *testing.T) {
	dev := &fakeDevice{connected: true}
	s := newTestServer(dev, Options{})

	rec := do(t, s.Handler(), "POST", "/api/commands/clear_logs")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if len(dev.sent) != 1 || dev.sent[0] != "clear_logs" {
		t.Errorf("sent = %v", dev.sent)
	}

	dev.connected = false
	if rec := do(t, s.Handler(), "POST", "/api/commands/clear_logs"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disconnected: code = %d", rec.Code)
	}
	if rec := do(t, s.Handler(), "GET", "/api/commands/clear_logs"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: code = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "pmlog_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := newTestServer(&fakeDevice{}, Options{Gatherer: reg})
	rec := do(t, s.Handler(), "GET", "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pmlog_test_total 1") {
		t.Errorf("metrics: %d %s", rec.Code, rec.Body)
	}
}

func TestWebSocketFeed(t *testing.T) {
	dev := &fakeDevice{connected: true}
	s := newTestServer(dev, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Hub().Publish(context.Background(), protocol.ParseStatus("SoC: 50%", time.Now()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var ev struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "telemetry" || ev.Data["SoC"] != 50.0 {
		t.Errorf("event = %s", data)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for s.Hub().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed client not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketConcurrentBroadcast(t *testing.T) {
	s := newTestServer(&fakeDevice{connected: true}, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	received := make(chan int, 1)
	go func() {
		n := 0
		defer func() { received <- n }()
		for {
			conn.SetReadDeadline(time.Now().Add(time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
				t.Errorf("bad event %s", data)
				return
			}
			n++
		}
	}()

	var wg sync.WaitGroup
	for _, typ := range []string{"telemetry", "ota"} {
		wg.Add(1)
		go func(typ string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Hub().Broadcast(Event{Type: typ, Data: i})
			}
		}(typ)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			s.Hub().Publish(context.Background(), protocol.ParseStatus("SoC: 50%", time.Now()))
		}
	}()
	wg.Wait()

	if n := <-received; n == 0 {
		t.Error("no events received")
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(&fakeDevice{connected: true}, Options{})
	rec := do(t, s.Handler(), "GET", "/api/status")
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `"connected":true`) {
		t.Errorf("status = %s", body)
	}
}

func TestFirmwareUpload(t *testing.T) {
	dev := &fakeDevice{connected: true, flashed: make(chan []byte, 1)}
	var seen []ota.Phase
	var mu sync.Mutex
	s := newTestServer(dev, Options{OnOTA: func(p ota.Progress) {
		mu.Lock()
		seen = append(seen, p.Phase)
		mu.Unlock()
	}})

	image := strings.Repeat("x", 5000)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/firmware", strings.NewReader(image)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"sectors":2`) {
		t.Errorf("body = %s", rec.Body)
	}

	select {
	case fw := <-dev.flashed:
		if len(fw) != 5000 {
			t.Errorf("flashed %d bytes", len(fw))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update never started")
	}
	mu.Lock()
	if len(seen) != 2 || seen[1] != ota.Complete {
		t.Errorf("OnOTA phases = %v", seen)
	}
	mu.Unlock()

	if rec := do(t, s.Handler(), "GET", "/api/firmware"); !strings.Contains(rec.Body.String(), `"phase":"idle"`) {
		t.Errorf("firmware status = %s", rec.Body)
	}
}

func TestFirmwareUploadWhileUpdating(t *testing.T) {
	dev := &fakeDevice{connected: true, flashed: make(chan []byte, 2), release: make(chan struct{})}
	s := newTestServer(dev, Options{})
	defer s.Shutdown(context.Background())

	post := func() int {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/firmware", strings.NewReader("fw")))
		return rec.Code
	}

	if code := post(); code != http.StatusAccepted {
		t.Fatalf("first upload: code = %d", code)
	}
	// The device still reports idle; the first upload holds the slot.
	if code := post(); code != http.StatusConflict {
		t.Fatalf("second upload: code = %d, want %d", code, http.StatusConflict)
	}

	close(dev.release)
	select {
	case <-dev.flashed:
	case <-time.After(2 * time.Second):
		t.Fatal("first update never finished")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.updating.Load() {
		if time.Now().After(deadline) {
			t.Fatal("update slot never released")
		}
		time.Sleep(time.Millisecond)
	}
	if code := post(); code != http.StatusAccepted {
		t.Errorf("upload after completion: code = %d", code)
	}
}

func TestFirmwareUploadRejected(t *testing.T) {
	tests := []struct {
		name string
		dev  *fakeDevice
		body string
		code int
	}{
		{"empty", &fakeDevice{connected: true}, "", http.StatusBadRequest},
		{"disconnected", &fakeDevice{}, "fw", http.StatusServiceUnavailable},
		{"busy", &fakeDevice{connected: true, phase: ota.TransferringSectors}, "fw", http.StatusConflict},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newTestServer(test.dev, Options{})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/firmware", strings.NewReader(test.body)))
			if rec.Code != test.code {
				t.Errorf("code = %d, want %d", rec.Code, test.code)
			}
		})
	}
}
