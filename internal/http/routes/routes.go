package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/devkit/cache"
	"github.com/briangreenhill/devkit/coordinator"
	"github.com/briangreenhill/devkit/internal/config"
	appmw "github.com/briangreenhill/devkit/internal/http/middleware"
	"github.com/briangreenhill/devkit/internal/jobs"
	"github.com/briangreenhill/devkit/sw"
)

// Enqueuer is the part of *asynq.Client the server uses
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Server struct {
	Router     *chi.Mux
	Sess       *scs.SessionManager
	Container  *sw.Container
	Storage    cache.Storage
	Network    sw.Fetcher // reaches the origin
	Queue      Enqueuer   // nil disables reports
	Logger     zerolog.Logger
	Production bool

	base    *url.URL
	script  string
	pages   *pages
	idleTTL time.Duration
}

type ServerOptions struct {
	Sess      *scs.SessionManager
	Container *sw.Container
	Storage   cache.Storage
	Network   sw.Fetcher
	Queue     Enqueuer
	Logger    zerolog.Logger
	Cfg       config.Config
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:     r,
		Sess:       opts.Sess,
		Container:  opts.Container,
		Storage:    opts.Storage,
		Network:    opts.Network,
		Queue:      opts.Queue,
		Logger:     opts.Logger,
		Production: opts.Cfg.Production,
		base:       opts.Container.Scope(),
		script:     opts.Cfg.Worker.Script,
		pages:      newPages(),
	}
	if s.script == "" {
		s.script = "sw.js"
	}
	s.idleTTL = opts.Sess.Lifetime
	if s.idleTTL <= 0 {
		s.idleTTL = 24 * time.Hour
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("write health check response")
		}
	})
	r.Get(path.Join(s.base.Path, s.script), s.handleScript)

	r.Route(path.Join(s.base.Path, "_sw"), func(sr chi.Router) {
		sr.Use(appmw.SessionClient(s.Sess))
		sr.Post("/register", s.handleRegister)

		sr.Group(func(pr chi.Router) {
			pr.Use(appmw.RequireClient)
			pr.Use(s.requirePage)
			pr.Post("/check", s.handleCheck)
			pr.Post("/skip-waiting", s.handleSkipWaiting)
			pr.Post("/clear-cache", s.handleClearCache)
			pr.Get("/cache-size", s.handleCacheSize)
			pr.Get("/status", s.handleStatus)
			pr.Post("/report", s.handleReport)
		})
	})

	r.With(appmw.SessionClient(s.Sess)).HandleFunc("/*", s.handleFetch)

	return s
}

// requirePage resolves the session's client id to its live page
func (s *Server) requirePage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := s.pages.get(appmw.ClientID(r.Context()))
		if p == nil {
			http.Error(w, "page not registered", http.StatusConflict)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), pageKey{}, p)))
	})
}

type statusResponse struct {
	ClientID      string                     `json:"client_id"`
	State         coordinator.State          `json:"state"`
	Controller    string                     `json:"controller,omitempty"`
	Waiting       string                     `json:"waiting,omitempty"`
	Reload        bool                       `json:"reload"`
	Notifications []coordinator.Notification `json:"notifications"`
}

func (s *Server) status(p *page) statusResponse {
	resp := statusResponse{
		ClientID:      p.id,
		State:         p.coord.Snapshot(),
		Reload:        p.reload.Load(),
		Notifications: p.toasts.Drain(),
	}
	if w := p.client.Controller(); w != nil {
		resp.Controller = w.CacheName()
	}
	if reg, ok := p.client.Registration(); ok {
		if w := reg.Waiting(); w != nil {
			resp.Waiting = w.CacheName()
		}
	}
	return resp
}

// respond saves the page's durable values into the session, then writes v
func (s *Server) respond(w http.ResponseWriter, r *http.Request, p *page, code int, v any) {
	if p != nil {
		p.kv.Save(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("encode response")
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if old := s.pages.remove(appmw.ClientID(ctx)); old != nil {
		s.releasePage(old)
	}
	if n := s.sweepIdle(); n > 0 {
		hlog.FromRequest(r).Debug().Int("pages", n).Msg("released idle pages")
	}

	p := s.newPage(ctx, s.pageURL(r))
	s.Sess.Put(ctx, appmw.SessionClientKey, p.id)

	if err := p.coord.Start(ctx); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("register worker")
		s.respond(w, r, p, http.StatusBadGateway, map[string]any{"error": err.Error(), "page": s.status(p)})
		return
	}
	s.respond(w, r, p, http.StatusOK, s.status(p))
}

// pageURL is the page the request comes from: the "url" form value, then
// the Referer, then the scope itself. Other origins fall back to the scope.
func (s *Server) pageURL(r *http.Request) *url.URL {
	for _, raw := range []string{r.FormValue("url"), r.Referer()} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		u = s.base.ResolveReference(u)
		if u.Scheme == s.base.Scheme && u.Host == s.base.Host {
			return u
		}
	}
	return s.base
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r.Context())
	status, err := p.coord.CheckForUpdates(r.Context())

	resp := map[string]any{"status": status, "page": s.status(p)}
	if err != nil {
		resp["error"] = err.Error()
	}
	s.respond(w, r, p, http.StatusOK, resp)
}

func (s *Server) handleSkipWaiting(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r.Context())
	if err := p.coord.ApplyUpdate(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, sw.ErrNoRegistration) {
			code = http.StatusConflict
		}
		s.respond(w, r, p, code, map[string]any{"error": err.Error()})
		return
	}
	s.respond(w, r, p, http.StatusOK, s.status(p))
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r.Context())
	if err := p.coord.ClearCache(r.Context()); err != nil {
		s.respond(w, r, p, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.respond(w, r, p, http.StatusOK, s.status(p))
}

func (s *Server) handleCacheSize(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r.Context())
	size := p.coord.ComputeCacheSize(r.Context())
	s.respond(w, r, p, http.StatusOK, map[string]any{"bytes": size})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r.Context())
	s.respond(w, r, p, http.StatusOK, s.status(p))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r.Context())
	if s.Queue == nil {
		http.Error(w, "reporting not configured", http.StatusServiceUnavailable)
		return
	}

	task, err := jobs.NewCacheReportTask(jobs.CacheReportPayload{
		Prefix:      s.Container.Prefix(),
		ClientID:    p.id,
		RequestedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		http.Error(w, "failed to queue report", http.StatusInternalServerError)
		return
	}

	info, err := s.Queue.Enqueue(task)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("enqueue cache report")
		http.Error(w, "failed to queue report", http.StatusServiceUnavailable)
		return
	}
	hlog.FromRequest(r).Info().Str("task", info.ID).Str("queue", info.Queue).Msg("cache report queued")
	s.respond(w, r, p, http.StatusAccepted, map[string]string{"task_id": info.ID, "queue": info.Queue})
}

// handleScript serves the worker script from the origin, never cached by
// browsers and allowed to control the whole scope
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	u := s.base.ResolveReference(&url.URL{Path: s.script})
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		http.Error(w, "bad script URL", http.StatusInternalServerError)
		return
	}
	for _, h := range []string{"If-None-Match", "If-Modified-Since"} {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := s.Network.Do(req)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("fetch worker script")
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	resp.Header.Set("Cache-Control", "no-cache")
	resp.Header.Set("Service-Worker-Allowed", s.base.Path)
	if resp.Header.Get("Content-Type") == "" {
		resp.Header.Set("Content-Type", "text/javascript; charset=utf-8")
	}
	writeResponse(w, r, resp)
}

// handleFetch routes everything else through the controlling worker,
// falling through to the origin when the worker does not intercept
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fr := sw.FetchRequestFromHTTP(r, s.base)

	var worker *sw.Worker
	if p := s.pages.get(appmw.ClientID(ctx)); p != nil {
		worker = p.client.Controller()
	}
	if worker == nil && fr.Mode == sw.ModeNavigate {
		worker = s.Container.Active()
	}

	if worker != nil {
		resp, ok, err := worker.Fetch(ctx, fr)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("worker fetch")
			http.Error(w, "origin unreachable", http.StatusBadGateway)
			return
		}
		if ok {
			writeResponse(w, r, resp)
			return
		}
	}

	resp, err := s.Network.Do(fr.Request)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("origin fetch")
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	writeResponse(w, r, resp)
}

var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Trailer":           true,
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("copy response body")
	}
}
