// Package devserver serves the latest successful build over HTTP and keeps it
// current: file changes trigger incremental rebuilds and connected browsers
// receive reload, patch or error messages over a websocket.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/modpack/internal/bundler"
	"github.com/wolfeidau/modpack/internal/chunk"
	httpmiddleware "github.com/wolfeidau/modpack/internal/http"
	"github.com/wolfeidau/modpack/internal/plugins/htmlplugin"
	"github.com/wolfeidau/modpack/internal/telemetry"
	"github.com/wolfeidau/modpack/internal/watch"
)

// Endpoints served alongside the build output
const (
	WebsocketPath = "/__modpack/ws"
	ClientPath    = "/__modpack/client.js"
	StatusPath    = "/__modpack/status"
)

// Builder produces snapshots; *bundler.Bundler satisfies it
type Builder interface {
	Build(ctx context.Context, prev *bundler.Snapshot, changed []string) (*bundler.Snapshot, error)
}

type Options struct {
	// Hot enables patch messages; otherwise every rebuild reloads clients
	Hot bool
	// WriteToDisk also writes every successful build to OutputDir
	WriteToDisk bool
	OutputDir   string
	// StaticDir is served for paths that are not build output
	StaticDir   string
	CORSOrigins []string
	// ConfigPath is the configuration file. A change to it calls Reload and
	// runs a full build with the returned builder and settings.
	ConfigPath string
	Reload     func() (*Reloaded, error)
	Logger     *zerolog.Logger
}

// Reloaded carries what a configuration reload may change while the server
// runs. The listen address, watch root and output directory stay fixed.
type Reloaded struct {
	Builder     Builder
	Hot         bool
	WriteToDisk bool
	CORSOrigins []string
}

// Status is reported by StatusPath
type Status struct {
	State    State    `json:"state"`
	Build    string   `json:"build,omitempty"`
	Error    string   `json:"error,omitempty"`
	Files    []string `json:"files,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Clients  int      `json:"clients"`
}

// Server runs the watch loop and serves its output
type Server struct {
	opts   Options
	logger zerolog.Logger
	hub    *hub

	current atomic.Pointer[bundler.Snapshot]
	cors    atomic.Pointer[cors.Cors]
	changes chan watch.Batch
	done    chan struct{}

	mu          sync.Mutex
	builder     Builder
	hot         bool
	writeToDisk bool
	state       State
	lastErr  error
	runOnce  sync.Once
	stopOnce sync.Once
}

// New creates a server in the idle state
func New(b Builder, opts Options) *Server {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.ConfigPath != "" {
		if abs, err := filepath.Abs(opts.ConfigPath); err == nil {
			opts.ConfigPath = abs
		}
	}

	s := &Server{
		opts:    opts,
		logger:  logger,
		hub:     newHub(logger),
		changes: make(chan watch.Batch, 64),
		done:    make(chan struct{}),
	}
	s.apply(&Reloaded{
		Builder:     b,
		Hot:         opts.Hot,
		WriteToDisk: opts.WriteToDisk,
		CORSOrigins: opts.CORSOrigins,
	})
	return s
}

// apply switches to a reloaded builder and settings
func (s *Server) apply(r *Reloaded) {
	s.cors.Store(cors.New(cors.Options{
		AllowedOrigins: r.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
	}))

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Builder != nil {
		s.builder = r.Builder
	}
	s.hot = r.Hot
	s.writeToDisk = r.WriteToDisk
}

// State returns the current loop state
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the last successful build, or nil
func (s *Server) Snapshot() *bundler.Snapshot {
	return s.current.Load()
}

// LastError returns the error of the most recent failed build, cleared by
// the next successful one.
func (s *Server) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Notify queues a change batch. It is safe to call from any goroutine and
// is a no-op once the server has stopped.
func (s *Server) Notify(batch watch.Batch) {
	select {
	case s.changes <- batch:
	case <-s.done:
	}
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// request is the input of one build attempt
type request struct {
	prev    *bundler.Snapshot
	changed []string
	reload  bool
}

type result struct {
	snap     *bundler.Snapshot
	reloaded *Reloaded
	err      error
}

// Run performs the initial build and then rebuilds on every change until ctx
// is cancelled. Only one build runs at a time. A change arriving during a
// build cancels it; its result is discarded and a new build starts with the
// union of all changes since the last successful build.
func (s *Server) Run(ctx context.Context) error {
	err := ErrStopped
	s.runOnce.Do(func() {
		err = s.run(ctx)
	})
	return err
}

func (s *Server) run(ctx context.Context) error {
	defer s.stop()

	// dirty, structural and reload accumulate until a build succeeds
	dirty := map[string]bool{}
	var structural, reload, running, superseded bool

	cancel := context.CancelFunc(func() {})
	results := make(chan result, 1)

	start := func() {
		req := request{reload: reload}
		if prev := s.current.Load(); prev != nil && !structural && !reload {
			req.prev = prev
			req.changed = slices.Sorted(maps.Keys(dirty))
		}

		var bctx context.Context
		bctx, cancel = context.WithCancel(ctx)
		running, superseded = true, false

		if s.current.Load() == nil {
			s.setState(StateBuilding)
		} else {
			s.setState(StateRebuilding)
		}

		go func() {
			results <- s.build(bctx, req)
		}()
	}

	start()

	for {
		select {
		case <-ctx.Done():
			cancel()
			if running {
				<-results
			}
			return nil

		case batch := <-s.changes:
			telemetry.GetMetrics().WatchEventsTotal.Add(ctx, 1)
			for _, p := range batch.Paths {
				dirty[p] = true
				if p == s.opts.ConfigPath {
					reload = true
				}
			}
			structural = structural || batch.Structural

			if running {
				s.logger.Debug().Strs("paths", batch.Paths).Msg("Change during build, restarting")
				superseded = true
				cancel()
				continue
			}
			start()

		case res := <-results:
			running = false
			cancel()

			if ctx.Err() != nil {
				return nil
			}
			if superseded || errors.Is(res.err, context.Canceled) {
				start()
				continue
			}

			if res.err != nil {
				s.fail(ctx, res.err)
				continue
			}

			if res.reloaded != nil {
				s.apply(res.reloaded)
			}
			clear(dirty)
			structural, reload = false, false
			s.succeed(ctx, res.snap)
		}
	}
}

// build runs one attempt, reloading the configuration first when asked
func (s *Server) build(ctx context.Context, req request) result {
	s.mu.Lock()
	b := s.builder
	s.mu.Unlock()

	var reloaded *Reloaded
	if req.reload && s.opts.Reload != nil {
		r, err := s.opts.Reload()
		if err != nil {
			return result{err: err}
		}
		if r.Builder != nil {
			b = r.Builder
		}
		reloaded = r
	}

	snap, err := b.Build(ctx, req.prev, req.changed)
	return result{snap: snap, reloaded: reloaded, err: err}
}

func (s *Server) fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.lastErr = err
	// the last good snapshot keeps being served
	if s.current.Load() != nil {
		s.state = StateRebuilding
	}
	s.mu.Unlock()

	s.logger.Error().Err(err).Msg("Build failed")
	s.hub.broadcast(ctx, Message{Type: MessageError, Error: err.Error()})
}

func (s *Server) succeed(ctx context.Context, snap *bundler.Snapshot) {
	prev := s.current.Swap(snap)

	s.mu.Lock()
	hadErr := s.lastErr != nil
	hot, writeToDisk := s.hot, s.writeToDisk
	s.lastErr = nil
	s.state = StateReady
	s.mu.Unlock()

	for _, w := range snap.Warnings {
		s.logger.Warn().Str("build_id", snap.ID).Msg(w.String())
	}

	if writeToDisk && s.opts.OutputDir != "" {
		if _, err := bundler.Write(snap, s.opts.OutputDir, false); err != nil {
			s.logger.Error().Err(err).Msg("Failed to write build output")
		}
	}

	if prev == nil && !hadErr {
		// first build, nobody has loaded anything yet
		return
	}

	msg := diff(prev, snap, hot)
	s.logger.Info().
		Str("build_id", snap.ID).
		Str("message", msg.Type).
		Int("chunks", len(msg.Chunks)).
		Msg("Notifying clients")
	s.hub.broadcast(ctx, msg)
}

func (s *Server) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.setState(StateStopped)
		s.hub.closeAll()
	})
}

// Handler serves the build output, the client script, the status endpoint
// and the push channel.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+WebsocketPath, func(w http.ResponseWriter, r *http.Request) {
		var greeting *Message
		if err := s.LastError(); err != nil {
			greeting = &Message{Type: MessageError, Error: err.Error()}
		}
		s.hub.serve(w, r, greeting)
	})
	mux.Handle("GET "+ClientPath, gzhttp.GzipHandler(http.HandlerFunc(s.serveClient)))
	mux.HandleFunc("GET "+StatusPath, s.serveStatus)
	mux.Handle("/", gzhttp.GzipHandler(http.HandlerFunc(s.serveOutput)))

	// CORS origins follow configuration reloads
	withCORS := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.cors.Load().ServeHTTP(w, r, mux.ServeHTTP)
	})

	return httpmiddleware.RequestLogger(s.logger)(withCORS)
}

func (s *Server) serveClient(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(clientScript))
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{State: s.State(), Clients: s.hub.count()}
	if err := s.LastError(); err != nil {
		st.Error = err.Error()
	}
	if snap := s.Snapshot(); snap != nil {
		st.Build = snap.ID
		for _, c := range snap.Chunks {
			st.Files = append(st.Files, c.Filename)
		}
		for _, warn := range snap.Warnings {
			st.Warnings = append(st.Warnings, warn.String())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to encode status")
	}
}

// serveOutput serves chunks of the current snapshot from memory and falls
// back to StaticDir for anything else.
func (s *Server) serveOutput(w http.ResponseWriter, r *http.Request) {
	snap := s.Snapshot()

	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if name == "" {
		name = "index.html"
	}

	if snap != nil {
		if c, ok := snap.File(name); ok {
			s.serveChunk(w, r, c)
			return
		}
	}

	if s.opts.StaticDir != "" {
		http.FileServer(http.Dir(s.opts.StaticDir)).ServeHTTP(w, r)
		return
	}

	if snap == nil {
		msg := "no successful build yet"
		if err := s.LastError(); err != nil {
			msg = err.Error()
		}
		http.Error(w, msg, http.StatusServiceUnavailable)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) serveChunk(w http.ResponseWriter, r *http.Request, c *chunk.Chunk) {
	content := c.Content
	if c.Kind == chunk.KindDocument {
		injected, err := htmlplugin.InjectScript(content, ClientPath)
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("chunk", c.Filename).Msg("Failed to inject client script")
		} else {
			content = injected
		}
	}

	ctype := mime.TypeByExtension(path.Ext(c.Filename))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", `"`+c.Hash+`"`)

	if match := r.Header.Get("If-None-Match"); match == `"`+c.Hash+`"` && c.Kind != chunk.KindDocument {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	_, _ = w.Write(content)
}
