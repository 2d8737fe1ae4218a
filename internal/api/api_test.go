package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/char5742/bangle-emu/internal/config"
	"github.com/char5742/bangle-emu/internal/device"
	"github.com/char5742/bangle-emu/internal/types"
)

// echoDevice はコンソール入力をそのまま出力に返すデバイス
type echoDevice struct {
	flags device.Flags

	mu      sync.Mutex
	out     []byte
	touches []types.Touch
	buttons []bool
	drawn   bool
}

func (d *echoDevice) Init() error          { return nil }
func (d *echoDevice) Idle() (int32, error) { return 5, nil }
func (d *echoDevice) HandleIO() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.out
	d.out = nil
	return out, nil
}
func (d *echoDevice) PushString(data []byte) error {
	d.mu.Lock()
	d.out = append(d.out, data...)
	d.mu.Unlock()
	return nil
}
func (d *echoDevice) SendTouchEvent(x, y uint8, contact bool, g types.Gesture) error {
	d.mu.Lock()
	d.touches = append(d.touches, types.Touch{X: x, Y: y, Contact: contact})
	d.mu.Unlock()
	return nil
}
func (d *echoDevice) PressButton(pressed bool) error {
	d.mu.Lock()
	d.buttons = append(d.buttons, pressed)
	d.mu.Unlock()
	return nil
}
func (d *echoDevice) Screen() (*types.Frame, error) {
	f := &types.Frame{}
	f.Pixels[0][0] = 4
	return f, nil
}
func (d *echoDevice) GfxChanged() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	first := !d.drawn
	d.drawn = true
	return first, nil
}
func (d *echoDevice) Flags() *device.Flags { return &d.flags }

func newTestServer(t *testing.T) (*Server, *echoDevice, *EmulatorService) {
	t.Helper()

	dev := &echoDevice{}
	cfg := config.DefaultConfig()
	svc := NewEmulatorService(cfg, func(ctx context.Context, cfg *config.Config) (device.Device, func(), error) {
		return dev, func() {}, nil
	})
	srv := NewServer(cfg, svc, filepath.Join(t.TempDir(), "config.toml"))
	t.Cleanup(func() {
		if svc.IsRunning() {
			_ = svc.Stop()
		}
	})
	return srv, dev, svc
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServiceLifecycle(t *testing.T) {
	srv, _, svc := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/service/start", "")
	assert.JSONEq(t, `{"status":"started"}`, rec.Body.String())
	assert.True(t, svc.IsRunning())

	rec = do(t, h, http.MethodPost, "/api/service/start", "")
	assert.JSONEq(t, `{"status":"already_running"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/status", "")
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Running)

	rec = do(t, h, http.MethodPost, "/api/service/stop", "")
	assert.JSONEq(t, `{"status":"stopped"}`, rec.Body.String())
	assert.False(t, svc.IsRunning())

	rec = do(t, h, http.MethodPost, "/api/service/stop", "")
	assert.JSONEq(t, `{"status":"not_running"}`, rec.Body.String())
}

// nextState は次の state 出力まで読み進める
func nextState(t *testing.T, sub <-chan types.Output) bool {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case o, ok := <-sub:
			require.True(t, ok, "subscription closed")
			if st, ok := o.(types.StateOutput); ok {
				return st.Running
			}
		case <-timeout:
			t.Fatal("no state output")
			return false
		}
	}
}

// nextConsole は text を含むコンソール出力まで読み進める
func nextConsole(t *testing.T, sub <-chan types.Output, text string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case o, ok := <-sub:
			require.True(t, ok, "subscription closed")
			if c, ok := o.(types.ConsoleOutput); ok && strings.Contains(string(c), text) {
				return
			}
		case <-timeout:
			t.Fatalf("no console output containing %q", text)
		}
	}
}

func TestServiceRestartKeepsSubscribers(t *testing.T) {
	srv, _, svc := newTestServer(t)
	h := srv.Handler()

	hub := svc.Hub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	rec := do(t, h, http.MethodPost, "/api/service/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, nextState(t, sub.C))

	rec = do(t, h, http.MethodPost, "/api/service/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, nextState(t, sub.C))

	rec = do(t, h, http.MethodPost, "/api/service/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Same(t, hub, svc.Hub())
	assert.True(t, nextState(t, sub.C))

	rec = do(t, h, http.MethodPost, "/api/console", `{"text":"again\n"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	nextConsole(t, sub.C, "again")

	require.NoError(t, svc.Close())
	_, ok := <-sub.C
	for ok {
		_, ok = <-sub.C
	}
}

func TestStartFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	svc := NewEmulatorService(cfg, func(ctx context.Context, cfg *config.Config) (device.Device, func(), error) {
		return nil, nil, errors.New("no firmware")
	})
	srv := NewServer(cfg, svc, "")

	rec := do(t, srv.Handler(), http.MethodPost, "/api/service/start", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "no firmware")
}

func TestInputEndpoints(t *testing.T) {
	srv, dev, svc := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/console", `{"text":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not running yet")

	require.NoError(t, svc.Start(context.Background()))

	rec = do(t, h, http.MethodPost, "/api/console", `{"text":"print(1)\n"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/touch", `{"x":10,"y":20,"contact":true}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/touch", `{"x":176,"y":20}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/button", `{"pressed":true}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/button", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Eventually(t, func() bool {
		return strings.Contains(string(svc.Hub().Console()), "print(1)")
	}, time.Second, 5*time.Millisecond)

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Equal(t, []types.Touch{{X: 10, Y: 20, Contact: true}}, dev.touches)
	assert.Equal(t, []bool{true}, dev.buttons)

	rec = do(t, h, http.MethodGet, "/api/console", "")
	assert.Contains(t, rec.Body.String(), "print(1)")
}

func TestScreenPNG(t *testing.T) {
	srv, _, svc := newTestServer(t)
	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool { return svc.Hub().Frame() != nil }, time.Second, 5*time.Millisecond)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/screen.png?scale=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 352, img.Bounds().Dx())

	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Equal(t, [3]uint32{0xFFFF, 0, 0}, [3]uint32{r, g, b}, "color 4 is red")

	rec = do(t, srv.Handler(), http.MethodGet, "/api/screen.png?scale=big", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPut, "/api/config", `{"api":{"port":9999}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9999, srv.GetConfig().API.Port)
	assert.Equal(t, 40, srv.GetConfig().Emulator.BatchSize, "missing keys keep defaults")

	rec = do(t, h, http.MethodPut, "/api/config", `{"api":{"port":-1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/config/save", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	saved, err := config.LoadConfig(resp["path"])
	require.NoError(t, err)
	assert.Equal(t, 9999, saved.API.Port)
}

func TestWebSocket(t *testing.T) {
	srv, _, svc := newTestServer(t)
	require.NoError(t, svc.Start(context.Background()))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello OutputMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, MessageHello, hello.Type)

	require.NoError(t, conn.WriteJSON(InputMessage{Type: MessageConsole, Text: "ping\n"}))
	require.NoError(t, conn.WriteJSON(InputMessage{Type: "bogus"}))

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var sawEcho, sawError bool
	for !sawEcho || !sawError {
		var msg OutputMessage
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg.Type {
		case MessageConsole:
			if strings.Contains(msg.Text, "ping") {
				sawEcho = true
			}
		case MessageError:
			sawError = true
		case MessageScreen:
			assert.Len(t, msg.Frame, types.ScreenWidth*types.ScreenHeight)
		}
	}
}

func TestWebSocket_NotRunning(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/api/ws", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInputMessage(t *testing.T) {
	in, err := InputMessage{Type: MessageTouch, X: 175, Y: 0}.Input()
	require.NoError(t, err)
	assert.Equal(t, types.Touch{X: 175, Y: 0}, in)

	_, err = InputMessage{Type: MessageConsole}.Input()
	assert.Error(t, err)

	_, err = InputMessage{Type: MessageTouch, X: -1}.Input()
	assert.Error(t, err)
}

func TestWebSocket_SurvivesStop(t *testing.T) {
	srv, _, svc := newTestServer(t)
	require.NoError(t, svc.Start(context.Background()))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello OutputMessage
	require.NoError(t, conn.ReadJSON(&hello))
	require.NoError(t, svc.Stop())

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg OutputMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == MessageState {
			require.NotNil(t, msg.Running)
			if !*msg.Running {
				break
			}
		}
	}

	require.NoError(t, conn.WriteJSON(InputMessage{Type: MessageConsole, Text: "late\n"}))
	for {
		var msg OutputMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == MessageError {
			assert.Contains(t, msg.Text, "not running")
			break
		}
	}
}
