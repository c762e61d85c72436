package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"runway"
	"runway/api"
	"runway/internal/defaults"
	"runway/internal/doctor"
	"runway/internal/engine"
	"runway/internal/manifest"
	"runway/internal/store"
	"runway/internal/support/buildinfo"
)

// shutdownGrace is 5s: in-flight requests get that long to finish before
// the listener is torn down.
const shutdownGrace = 5 * time.Second

// Server serves the control API over the daemon's unix socket.
type Server struct {
	engine  *engine.Engine
	manager *Manager
	store   *store.Store
	doctor  *doctor.Doctor
	socket  string
	ready   chan struct{}
}

// NewServer creates the control API server. The socket is created by
// ListenAndServe.
func NewServer(eng *engine.Engine, mgr *Manager, st *store.Store, doc *doctor.Doctor, socket string) *Server {
	return &Server{
		engine:  eng,
		manager: mgr,
		store:   st,
		doctor:  doc,
		socket:  socket,
		ready:   make(chan struct{}),
	}
}

// Router builds the gin handler tree. Exposed so tests can drive the API
// without a socket.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group(api.Prefix)
	v1.GET("/status", s.getStatus)
	v1.GET("/doctor", s.getDoctor)
	v1.GET("/builds", s.listBuilds)
	v1.GET("/runs", s.listRuns)

	app := v1.Group("/apps/:app")
	app.POST("/builds", s.postBuild)
	app.GET("/builds", s.listBuilds)
	app.POST("/runs", s.postRun)
	app.GET("/runs", s.listRuns)
	app.POST("/stop", s.postStop)
	app.GET("/logs", s.getLogs)
	app.DELETE("", s.deleteApp)

	return r
}

// ListenAndServe serves the control API on the unix socket and blocks
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Remove stale socket from a previous run (may not exist).
	_ = os.Remove(s.socket)
	defer func() { _ = os.Remove(s.socket) }()

	if err := os.MkdirAll(filepath.Dir(s.socket), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socket, err)
	}

	srv := &http.Server{Handler: otelhttp.NewHandler(s.Router(), "runwayd")}

	// Shut down when ctx is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Control API listening.", "socket", s.socket)
	close(s.ready)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve control api: %w", err)
	}
	return nil
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) getStatus(c *gin.Context) {
	apps, err := s.appStatuses(c.Request.Context())
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.StatusResponse{
		Version:  buildinfo.Version,
		DataRoot: s.engine.Root(),
		Socket:   s.socket,
		Apps:     apps,
	})
}

// appStatuses folds the newest build and run of every known app into one
// list, sorted by app name.
func (s *Server) appStatuses(ctx context.Context) ([]api.AppStatus, error) {
	builds, err := s.store.ListBuilds(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, "", 0)
	if err != nil {
		return nil, err
	}

	byApp := make(map[string]*api.AppStatus)
	status := func(app string) *api.AppStatus {
		st, ok := byApp[app]
		if !ok {
			st = &api.AppStatus{App: app}
			byApp[app] = st
		}
		return st
	}
	// Lists come newest first, so the first record per app wins.
	for _, b := range builds {
		if st := status(b.App); st.Build == nil {
			build := b
			st.Build = &build
		}
	}
	for _, r := range runs {
		if st := status(r.App); st.Run == nil {
			run := r
			st.Run = &run
		}
	}

	names := make([]string, 0, len(byApp))
	for name := range byApp {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]api.AppStatus, 0, len(names))
	for _, name := range names {
		out = append(out, *byApp[name])
	}
	return out, nil
}

func (s *Server) getDoctor(c *gin.Context) {
	results := s.doctor.Run(c.Request.Context())
	out := make([]api.DoctorResult, len(results))
	for i, r := range results {
		out[i] = api.DoctorResult{
			Check:  r.Check,
			Status: r.Status.String(),
			Detail: r.Detail,
			Fix:    r.Fix,
		}
	}
	c.JSON(http.StatusOK, api.DoctorResponse{Healthy: doctor.Healthy(results), Results: out})
}

func (s *Server) postBuild(c *gin.Context) {
	var req api.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.Error{Error: "invalid request body: " + err.Error()})
		return
	}

	app, err := s.loadApp(c, req.AppRoot)
	if err != nil {
		return
	}
	if id, active := s.manager.Active(app.Name); active {
		c.JSON(http.StatusConflict, api.Error{
			Error: fmt.Sprintf("app %q has active run %s, stop it before rebuilding", app.Name, id),
		})
		return
	}

	build, err := s.engine.Build(c.Request.Context(), app)
	if err != nil && build.ID == "" {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.BuildResponse{Build: build})
}

func (s *Server) postRun(c *gin.Context) {
	var req api.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.Error{Error: "invalid request body: " + err.Error()})
		return
	}

	app, err := s.loadApp(c, req.AppRoot)
	if err != nil {
		return
	}
	if req.Restart != "" {
		policy := runway.RestartPolicy(req.Restart)
		if !policy.IsValid() {
			c.JSON(http.StatusBadRequest, api.Error{Error: fmt.Sprintf("unknown restart policy %q", req.Restart)})
			return
		}
		app.Restart = policy
	}
	if len(req.Env) > 0 {
		if app.Env == nil {
			app.Env = make(map[string]string, len(req.Env))
		}
		for k, v := range req.Env {
			app.Env[k] = v
		}
	}

	run, err := s.manager.Start(c.Request.Context(), app)
	if err != nil && run.ID == "" {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.RunResponse{Run: run})
}

func (s *Server) postStop(c *gin.Context) {
	run, err := s.manager.Stop(c.Request.Context(), c.Param("app"))
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.RunResponse{Run: run})
}

func (s *Server) listBuilds(c *gin.Context) {
	builds, err := s.store.ListBuilds(c.Request.Context(), c.Param("app"), 0)
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.BuildListResponse{Builds: builds})
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.store.ListRuns(c.Request.Context(), c.Param("app"), 0)
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.RunListResponse{Runs: runs})
}

func (s *Server) getLogs(c *gin.Context) {
	app := c.Param("app")
	kind := c.DefaultQuery("kind", "run")
	id := c.Query("id")

	tail := 0
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, api.Error{Error: fmt.Sprintf("invalid tail %q", raw)})
			return
		}
		tail = n
	}

	switch kind {
	case "build":
		if id == "" {
			build, found, err := s.store.LatestBuild(c.Request.Context(), app)
			if err != nil {
				s.replyError(c, err)
				return
			}
			if !found {
				c.JSON(http.StatusNotFound, api.Error{Error: fmt.Sprintf("no builds for app %q", app)})
				return
			}
			id = build.ID
		}
	case "run":
		if id == "" {
			run, found, err := s.store.LatestRun(c.Request.Context(), app)
			if err != nil {
				s.replyError(c, err)
				return
			}
			if !found {
				c.JSON(http.StatusNotFound, api.Error{Error: fmt.Sprintf("no runs for app %q", app)})
				return
			}
			id = run.ID
		}
	default:
		c.JSON(http.StatusBadRequest, api.Error{Error: fmt.Sprintf("unknown log kind %q", kind)})
		return
	}

	path := filepath.Join(defaults.LogDir(s.engine.Root(), app), kind+"-"+id+".log")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, api.Error{Error: fmt.Sprintf("no %s log for %q", kind, id)})
			return
		}
		s.replyError(c, err)
		return
	}
	if tail > 0 {
		data = tailLines(data, tail)
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

func (s *Server) deleteApp(c *gin.Context) {
	app := c.Param("app")
	if id, active := s.manager.Active(app); active {
		c.JSON(http.StatusConflict, api.Error{
			Error: fmt.Sprintf("app %q has active run %s, stop it before removing", app, id),
		})
		return
	}
	if err := s.engine.Remove(c.Request.Context(), app); err != nil {
		s.replyError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// loadApp reads the app manifest from root and checks it names the app
// addressed by the route. Replies with the error itself on failure.
func (s *Server) loadApp(c *gin.Context, root string) (manifest.App, error) {
	app, err := manifest.LoadApp(root)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.Error{Error: err.Error()})
		return manifest.App{}, err
	}
	if name := c.Param("app"); app.Name != name {
		err := fmt.Errorf("app root declares %q, request addresses %q", app.Name, name)
		c.JSON(http.StatusBadRequest, api.Error{Error: err.Error()})
		return manifest.App{}, err
	}
	return app, nil
}

func (s *Server) replyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrNotBuilt), errors.Is(err, ErrNotRunning):
		c.JSON(http.StatusNotFound, api.Error{Error: err.Error()})

	case errors.Is(err, engine.ErrBuildInProgress), errors.Is(err, ErrRunActive):
		c.JSON(http.StatusConflict, api.Error{Error: err.Error()})

	case errors.Is(err, engine.ErrNoBackend):
		c.JSON(http.StatusBadRequest, api.Error{Error: err.Error()})

	default:
		slog.Error("Request failed.", "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, api.Error{Error: err.Error()})
	}
}

// tailLines returns the last n lines of data.
func tailLines(data []byte, n int) []byte {
	trimmed := bytes.TrimRight(data, "\n")
	if len(trimmed) == 0 {
		return nil
	}
	idx := len(trimmed)
	for i := 0; i < n; i++ {
		next := bytes.LastIndexByte(trimmed[:idx], '\n')
		if next < 0 {
			return data
		}
		idx = next
	}
	return data[idx+1:]
}
