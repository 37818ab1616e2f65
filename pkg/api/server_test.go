package api

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"klipper-irtemp/pkg/metrics"
	"klipper-irtemp/pkg/safety"
	"klipper-irtemp/pkg/temperature"
)

// staticObject implements temperature.StatusProvider for testing.
type staticObject map[string]any

func (o staticObject) GetStatus(eventtime float64) map[string]any {
	out := make(map[string]any, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// panicObject blows up on every status query.
type panicObject struct{}

func (panicObject) GetStatus(eventtime float64) map[string]any {
	panic("status exploded")
}

func newTestServer(t *testing.T) (*Server, *safety.Manager) {
	t.Helper()
	objects := temperature.NewObjects()
	if err := objects.Add("mlx90614 chamber", staticObject{"Temperature": 25.3}); err != nil {
		t.Fatal(err)
	}
	if err := objects.Add("temperature_sensor chamber", staticObject{"temperature": 25.3}); err != nil {
		t.Fatal(err)
	}
	mgr := safety.New(nil)
	srv := New(Config{
		Objects: objects,
		Safety:  mgr,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Clock:   func() float64 { return 42.5 },
	})
	return srv, mgr
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec, body
}

func TestSensorList(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, body := get(t, srv.Handler(), "/api/sensors")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	result := body["result"].(map[string]any)
	objects := result["objects"].([]any)
	if len(objects) != 2 || objects[0] != "mlx90614 chamber" || objects[1] != "temperature_sensor chamber" {
		t.Errorf("objects = %v", objects)
	}
}

func TestSensorStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		path   string
		status int
	}{
		{"/api/sensors/mlx90614%20chamber", http.StatusOK},
		{"/api/sensors/temperature_sensor%20chamber", http.StatusOK},
		{"/api/sensors/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, body := get(t, srv.Handler(), tt.path)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				if _, ok := body["error"]; !ok {
					t.Errorf("missing error body: %v", body)
				}
				return
			}
			result := body["result"].(map[string]any)
			if result["eventtime"] != 42.5 {
				t.Errorf("eventtime = %v", result["eventtime"])
			}
		})
	}
}

func TestSafetyAndEmergencyStop(t *testing.T) {
	srv, mgr := newTestServer(t)

	_, body := get(t, srv.Handler(), "/api/safety")
	result := body["result"].(map[string]any)
	if result["is_operational"] != true {
		t.Errorf("is_operational = %v before stop", result["is_operational"])
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/emergency_stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("emergency stop status = %d", rec.Code)
	}
	if !mgr.IsShutdown() {
		t.Error("manager not shut down")
	}

	_, body = get(t, srv.Handler(), "/server/info")
	info := body["result"].(map[string]any)
	if info["klippy_state"] != "shutdown" {
		t.Errorf("klippy_state = %v", info["klippy_state"])
	}
}

func TestEmergencyStopRequiresPost(t *testing.T) {
	srv, mgr := newTestServer(t)

	rec, _ := get(t, srv.Handler(), "/api/emergency_stop")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if mgr.IsShutdown() {
		t.Error("GET must not stop")
	}
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	get(t, srv.Handler(), "/api/sensors")

	rec, _ := get(t, srv.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `irtemp_http_requests_total{route="/api/sensors",status="200"} 1`) {
		t.Errorf("request not counted:\n%s", body)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sensors", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Error("missing Access-Control-Allow-Origin")
	}
}

func TestRecoversFromPanic(t *testing.T) {
	objects := temperature.NewObjects()
	objects.Add("broken", panicObject{})
	srv := New(Config{Objects: objects})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sensors/broken", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", srv.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketNotifications(t *testing.T) {
	srv, mgr := newTestServer(t)
	conn := dialWS(t, srv)

	if msg := readMessage(t, conn); msg["method"] != "notify_klippy_ready" {
		t.Fatalf("first message = %v", msg)
	}
	waitClients(t, srv, 1)

	srv.StatusCallback()(100.0, 25.3)
	msg := readMessage(t, conn)
	if msg["method"] != "notify_status_update" {
		t.Fatalf("method = %v", msg["method"])
	}
	params := msg["params"].([]any)
	status := params[0].(map[string]any)
	if _, ok := status["mlx90614 chamber"]; !ok {
		t.Errorf("status missing sensor: %v", status)
	}
	if params[1] != 42.5 {
		t.Errorf("eventtime = %v", params[1])
	}

	mgr.OnShutdown(srv.NotifyShutdown)
	mgr.InvokeShutdown("MLX90614 sensor 'chamber' failed to read")
	msg = readMessage(t, conn)
	if msg["method"] != "notify_klippy_shutdown" {
		t.Fatalf("method = %v", msg["method"])
	}
	detail := msg["params"].([]any)[0].(map[string]any)
	if detail["reason"] != "invoked" {
		t.Errorf("reason = %v", detail["reason"])
	}
}

func TestWebSocketJSONRPC(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)
	readMessage(t, conn)

	tests := []struct {
		name      string
		request   map[string]any
		wantError bool
	}{
		{
			name:    "list",
			request: map[string]any{"jsonrpc": "2.0", "method": "printer.objects.list", "id": 1},
		},
		{
			name: "query",
			request: map[string]any{
				"jsonrpc": "2.0",
				"method":  "printer.objects.query",
				"params":  map[string]any{"objects": map[string]any{"mlx90614 chamber": nil}},
				"id":      2,
			},
		},
		{
			name:    "info",
			request: map[string]any{"jsonrpc": "2.0", "method": "server.info", "id": 3},
		},
		{
			name:      "unknown",
			request:   map[string]any{"jsonrpc": "2.0", "method": "printer.gcode.script", "id": 4},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteJSON(tt.request); err != nil {
				t.Fatal(err)
			}
			resp := readMessage(t, conn)
			if resp["id"] != float64(tt.request["id"].(int)) {
				t.Errorf("id = %v", resp["id"])
			}
			_, hasErr := resp["error"]
			if hasErr != tt.wantError {
				t.Errorf("error present = %v, want %v: %v", hasErr, tt.wantError, resp)
			}
		})
	}
}

func TestWebSocketQueryResult(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)
	readMessage(t, conn)

	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "printer.objects.query",
		"params":  map[string]any{"objects": map[string]any{"mlx90614 chamber": nil, "missing": nil}},
		"id":      7,
	})
	resp := readMessage(t, conn)
	status := resp["result"].(map[string]any)["status"].(map[string]any)
	if len(status) != 1 {
		t.Fatalf("status = %v", status)
	}
	sensor := status["mlx90614 chamber"].(map[string]any)
	if sensor["Temperature"] != 25.3 {
		t.Errorf("Temperature = %v", sensor["Temperature"])
	}
}

func TestWebSocketShutdownOnConnect(t *testing.T) {
	srv, mgr := newTestServer(t)
	mgr.EmergencyStop("")

	conn := dialWS(t, srv)
	if msg := readMessage(t, conn); msg["method"] != "notify_klippy_shutdown" {
		t.Errorf("first message = %v", msg)
	}
}

func TestNotifyWithoutClients(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.NotifyStatusUpdate(1)
	srv.NotifyShutdown(safety.ReasonInvoked, "x")
	if srv.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d", srv.ClientCount())
	}
}

func TestUnencodableStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	if err := srv.cfg.Objects.Add("mlx90614 broken", staticObject{"Temperature": math.NaN()}); err != nil {
		t.Fatal(err)
	}

	rec, body := get(t, srv.Handler(), "/api/sensors/mlx90614%20broken")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if _, ok := body["error"]; !ok {
		t.Errorf("missing error body: %v", body)
	}

	conn := dialWS(t, srv)
	readMessage(t, conn)
	waitClients(t, srv, 1)

	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "printer.objects.query",
		"params":  map[string]any{"objects": map[string]any{"mlx90614 broken": nil}},
		"id":      8,
	})
	resp := readMessage(t, conn)
	if resp["id"] != float64(8) {
		t.Errorf("id = %v", resp["id"])
	}
	rpcErr, ok := resp["error"].(map[string]any)
	if !ok || rpcErr["code"] != float64(-32603) {
		t.Fatalf("response = %v, want internal error", resp)
	}

	// The broadcast cannot be encoded and is skipped; the client stays
	// connected and the next request is answered.
	srv.StatusCallback()(100.0, math.NaN())
	conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "server.info", "id": 9})
	resp = readMessage(t, conn)
	if resp["id"] != float64(9) || resp["result"] == nil {
		t.Errorf("response after bad broadcast = %v", resp)
	}
	if srv.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", srv.ClientCount())
	}
}
