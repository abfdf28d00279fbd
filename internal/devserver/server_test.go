package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/modpack/internal/bundler"
	"github.com/wolfeidau/modpack/internal/config"
	"github.com/wolfeidau/modpack/internal/plugins/htmlplugin"
	"github.com/wolfeidau/modpack/internal/watch"
)

func project(t *testing.T, files map[string]string) *config.Config {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		writeFile(t, filepath.Join(root, name), content)
	}

	cfg := config.Default()
	cfg.Root = root
	cfg.Entry = map[string]string{"app": "a.js"}
	cfg.HTML.Enabled = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), 0o600))
}

type harness struct {
	srv  *Server
	http *httptest.Server
}

func start(t *testing.T, b Builder, opts Options) *harness {
	t.Helper()

	logger := zerolog.Nop()
	opts.Logger = &logger
	srv := New(b, opts)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		require.NoError(t, <-errCh)
		require.Equal(t, StateStopped, srv.State())
	})

	return &harness{srv: srv, http: ts}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.srv.State() == want }, 5*time.Second, 10*time.Millisecond)
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	before := h.srv.hub.count()

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + WebsocketPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.srv.hub.count() == before+1 }, 5*time.Second, 10*time.Millisecond)
	return conn
}

func (h *harness) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(h.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServeInitialBuild(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js":  "import './a.css';\nconsole.log('app');\n",
		"a.css": "body { color: red }\n",
	})
	cfg.HTML.Enabled = true

	b := bundler.New(cfg)
	require.NoError(t, b.Use(htmlplugin.New(cfg)))

	h := start(t, b, Options{Hot: true})
	h.waitState(t, StateReady)

	code, body := h.get(t, "/app.bundle.js")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `console.log("app")`)

	code, body = h.get(t, "/app.css")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "color: red")

	code, body = h.get(t, "/")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `src="`+ClientPath+`"`)
	require.Contains(t, body, "app.bundle.js")

	code, body = h.get(t, ClientPath)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, WebsocketPath)

	code, _ = h.get(t, "/missing.js")
	require.Equal(t, http.StatusNotFound, code)

	code, body = h.get(t, StatusPath)
	require.Equal(t, http.StatusOK, code)
	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	require.Equal(t, "ready", st["state"])
	require.Equal(t, h.srv.Snapshot().ID, st["build"])
	require.Nil(t, st["error"])
}

func TestServeStaticFallback(t *testing.T) {
	cfg := project(t, map[string]string{"a.js": "console.log('app');\n"})
	static := t.TempDir()
	writeFile(t, filepath.Join(static, "robots.txt"), "User-agent: *\n")

	h := start(t, bundler.New(cfg), Options{StaticDir: static})
	h.waitState(t, StateReady)

	code, body := h.get(t, "/robots.txt")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "User-agent: *\n", body)
}

func TestHotPatch(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js":   "import msg from './msg';\nimport './a.css';\nconsole.log(msg);\n",
		"msg.js": "export default 'one';\n",
		"a.css":  "body { color: red }\n",
	})

	h := start(t, bundler.New(cfg), Options{Hot: true})
	h.waitState(t, StateReady)
	first := h.srv.Snapshot()
	conn := h.dial(t)

	msgPath := filepath.Join(cfg.Root, "msg.js")
	writeFile(t, msgPath, "export default 'two';\n")
	writeFile(t, filepath.Join(cfg.Root, "a.css"), "body { color: blue }\n")
	h.srv.Notify(watch.Batch{Paths: []string{filepath.Join(cfg.Root, "a.css"), msgPath}})

	msg := readMessage(t, conn)
	require.Equal(t, MessagePatch, msg.Type)
	require.NotEqual(t, first.ID, msg.Build)
	require.Len(t, msg.Chunks, 2)

	script := msg.Chunks[0]
	require.Equal(t, "script", script.Kind)
	require.Equal(t, "app.bundle.js", script.File)
	require.Contains(t, script.Code, "two")
	require.NotContains(t, script.Code, "runtime.start")
	require.Contains(t, script.Modules, "msg.js")
	require.NotContains(t, script.Modules, "a.js")

	style := msg.Chunks[1]
	require.Equal(t, "style", style.Kind)
	require.Equal(t, "app.css", style.File)
	require.Empty(t, style.Code)
}

func TestReloadWhenHotDisabled(t *testing.T) {
	cfg := project(t, map[string]string{"a.js": "console.log('one');\n"})

	h := start(t, bundler.New(cfg), Options{Hot: false})
	h.waitState(t, StateReady)
	conn := h.dial(t)

	p := filepath.Join(cfg.Root, "a.js")
	writeFile(t, p, "console.log('two');\n")
	h.srv.Notify(watch.Batch{Paths: []string{p}})

	msg := readMessage(t, conn)
	require.Equal(t, MessageReload, msg.Type)
}

func TestReloadOnTopologyChange(t *testing.T) {
	cfg := project(t, map[string]string{"a.js": "console.log('one');\n"})

	h := start(t, bundler.New(cfg), Options{Hot: true})
	h.waitState(t, StateReady)
	conn := h.dial(t)

	writeFile(t, filepath.Join(cfg.Root, "extra.js"), "export default 1;\n")
	p := filepath.Join(cfg.Root, "a.js")
	writeFile(t, p, "import extra from './extra';\nconsole.log(extra);\n")
	h.srv.Notify(watch.Batch{Paths: []string{p, filepath.Join(cfg.Root, "extra.js")}, Structural: true})

	msg := readMessage(t, conn)
	require.Equal(t, MessageReload, msg.Type)

	c, ok := h.srv.Snapshot().File("app.bundle.js")
	require.True(t, ok)
	require.Contains(t, c.Modules, "extra.js")
}

func TestBuildErrorKeepsLastSnapshot(t *testing.T) {
	cfg := project(t, map[string]string{"a.js": "console.log('one');\n"})

	h := start(t, bundler.New(cfg), Options{Hot: true})
	h.waitState(t, StateReady)
	good := h.srv.Snapshot()
	conn := h.dial(t)

	p := filepath.Join(cfg.Root, "a.js")
	writeFile(t, p, "import missing from './missing';\n")
	h.srv.Notify(watch.Batch{Paths: []string{p}})

	msg := readMessage(t, conn)
	require.Equal(t, MessageError, msg.Type)
	require.Contains(t, msg.Error, "missing")

	require.Equal(t, StateRebuilding, h.srv.State())
	require.Error(t, h.srv.LastError())
	require.Same(t, good, h.srv.Snapshot())

	code, body := h.get(t, "/app.bundle.js")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "one")

	// late joiners are told about the failure straight away
	late := h.dial(t)
	require.Equal(t, MessageError, readMessage(t, late).Type)

	writeFile(t, p, "console.log('fixed');\n")
	h.srv.Notify(watch.Batch{Paths: []string{p}})

	msg = readMessage(t, conn)
	require.Equal(t, MessagePatch, msg.Type)
	h.waitState(t, StateReady)
	require.NoError(t, h.srv.LastError())
}

func TestInitialBuildFailure(t *testing.T) {
	cfg := project(t, map[string]string{"a.js": "import missing from './missing';\n"})

	h := start(t, bundler.New(cfg), Options{Hot: true})
	require.Eventually(t, func() bool { return h.srv.LastError() != nil }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, StateBuilding, h.srv.State())
	require.Nil(t, h.srv.Snapshot())

	code, body := h.get(t, "/app.bundle.js")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Contains(t, body, "missing")
}

type call struct {
	prev    *bundler.Snapshot
	changed []string
}

// fakeBuilder blocks the builds listed in block until their context ends
type fakeBuilder struct {
	name    string
	block   map[int]bool
	started chan int

	mu    sync.Mutex
	calls []call
}

func (f *fakeBuilder) Build(ctx context.Context, prev *bundler.Snapshot, changed []string) (*bundler.Snapshot, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{prev: prev, changed: changed})
	n := len(f.calls)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- n
	}
	if f.block[n] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &bundler.Snapshot{ID: f.name + "-" + string(rune('0'+n))}, nil
}

func (f *fakeBuilder) call(i int) call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func TestChangeDuringBuildRestarts(t *testing.T) {
	b := &fakeBuilder{name: "b", block: map[int]bool{2: true}, started: make(chan int, 8)}

	h := start(t, b, Options{})
	h.waitState(t, StateReady)
	require.Equal(t, 1, <-b.started)
	first := h.srv.Snapshot()

	h.srv.Notify(watch.Batch{Paths: []string{"/src/a.js"}})
	require.Equal(t, 2, <-b.started)
	require.Equal(t, StateRebuilding, h.srv.State())

	h.srv.Notify(watch.Batch{Paths: []string{"/src/b.js"}})
	require.Equal(t, 3, <-b.started)

	require.Eventually(t, func() bool { return h.srv.Snapshot().ID == "b-3" }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.srv.LastError())

	restarted := b.call(2)
	require.Same(t, first, restarted.prev)
	require.Equal(t, []string{"/src/a.js", "/src/b.js"}, restarted.changed)
}

func TestStructuralChangeRunsFullBuild(t *testing.T) {
	b := &fakeBuilder{name: "b", started: make(chan int, 8)}

	h := start(t, b, Options{})
	h.waitState(t, StateReady)
	<-b.started

	h.srv.Notify(watch.Batch{Paths: []string{"/src/new.js"}, Structural: true})
	<-b.started
	require.Eventually(t, func() bool { return h.srv.Snapshot().ID == "b-2" }, 5*time.Second, 10*time.Millisecond)

	full := b.call(1)
	require.Nil(t, full.prev)
	require.Nil(t, full.changed)
}

func TestConfigChangeReloads(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "modpack.yaml")

	initial := &fakeBuilder{name: "initial"}
	reloaded := &fakeBuilder{name: "reloaded"}
	var reloads int

	h := start(t, initial, Options{
		ConfigPath: cfgPath,
		Reload: func() (*Reloaded, error) {
			reloads++
			if reloads == 1 {
				return nil, errors.New("bad config")
			}
			return &Reloaded{Builder: reloaded}, nil
		},
	})
	h.waitState(t, StateReady)

	h.srv.Notify(watch.Batch{Paths: []string{cfgPath}})
	require.Eventually(t, func() bool { return h.srv.LastError() != nil }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "initial-1", h.srv.Snapshot().ID)

	// the config change is retried with the next batch
	h.srv.Notify(watch.Batch{Paths: []string{filepath.Join(dir, "src", "a.js")}})
	require.Eventually(t, func() bool { return h.srv.Snapshot().ID == "reloaded-1" }, 5*time.Second, 10*time.Millisecond)
	require.Nil(t, reloaded.call(0).prev)

	h.srv.Notify(watch.Batch{Paths: []string{filepath.Join(dir, "src", "a.js")}})
	require.Eventually(t, func() bool { return h.srv.Snapshot().ID == "reloaded-2" }, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, reloaded.call(1).prev)
}

func TestConfigChangeAppliesSettings(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "modpack.yaml")

	h := start(t, &fakeBuilder{name: "initial"}, Options{
		Hot:         true,
		CORSOrigins: []string{"http://a.test"},
		ConfigPath:  cfgPath,
		Reload: func() (*Reloaded, error) {
			return &Reloaded{
				Builder:     &fakeBuilder{name: "reloaded"},
				Hot:         false,
				CORSOrigins: []string{"http://b.test"},
			}, nil
		},
	})
	h.waitState(t, StateReady)

	allowed := func(origin string) string {
		req, err := http.NewRequest(http.MethodGet, h.http.URL+StatusPath, nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.Header.Get("Access-Control-Allow-Origin")
	}
	require.Equal(t, "http://a.test", allowed("http://a.test"))
	require.Empty(t, allowed("http://b.test"))

	conn := h.dial(t)
	h.srv.Notify(watch.Batch{Paths: []string{cfgPath}})

	// hot replacement is now off, so the rebuild reloads
	msg := readMessage(t, conn)
	require.Equal(t, MessageReload, msg.Type)
	require.Equal(t, "reloaded-1", msg.Build)

	require.Equal(t, "http://b.test", allowed("http://b.test"))
	require.Empty(t, allowed("http://a.test"))
}

func TestRunTwice(t *testing.T) {
	h := start(t, &fakeBuilder{name: "b"}, Options{})
	h.waitState(t, StateReady)
	require.ErrorIs(t, h.srv.Run(context.Background()), ErrStopped)
}
