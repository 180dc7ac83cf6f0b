package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pricewatch/internal/catalog"
	"pricewatch/internal/suggest"
	logx "pricewatch/pkg/logx"
)

// Source is the read side of monitor.Service.
type Source interface {
	Items() []catalog.Item
	Item(name string) (catalog.Item, bool)
	History(name string) []catalog.Observation
	Insight(name string) (suggest.Insight, error)
	Recipients() []string
	Remaining(name string) (time.Duration, error)
}

// StatusFunc reports process state for GET /status.
type StatusFunc func() any

type Server struct {
	src     Source
	status  StatusFunc
	log     logx.Logger
	mux     *chi.Mux
	srv     *http.Server
	profile bool
}

type Option func(*Server)

// WithProfiler mounts net/http/pprof under /debug. Keep the listener on
// loopback when enabled.
func WithProfiler(enabled bool) Option { return func(s *Server) { s.profile = enabled } }

func New(src Source, status StatusFunc, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{src: src, status: status, log: log.With(logx.String("comp", "httpapi"))}
	for _, o := range opts {
		o(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/recipients", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.src.Recipients())
	})
	r.Route("/items", func(r chi.Router) {
		r.Get("/", s.handleItems)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleItem)
			r.Get("/history", s.handleHistory)
			r.Get("/insight", s.handleInsight)
		})
	})
	if s.profile {
		r.Mount("/debug", middleware.Profiler())
	}
	s.mux = r
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Serve listens on addr until ctx is cancelled, then shuts down with a
// short grace period.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		_ = s.srv.Close()
		return err
	}
	return nil
}

type itemView struct {
	Name             string             `json:"name"`
	URL              string             `json:"url"`
	Price            catalog.Price      `json:"price"`
	Notify           bool               `json:"notify"`
	IntervalSeconds  int                `json:"interval_seconds"`
	Thresholds       map[string]float64 `json:"thresholds"`
	LastCheckedAt    time.Time          `json:"last_checked_at"`
	NextCheckSeconds int64              `json:"next_check_seconds"`
	CreatedAt        time.Time          `json:"created_at"`
	EditedAt         time.Time          `json:"edited_at"`
	Image            string             `json:"image,omitempty"`
}

func (s *Server) view(it catalog.Item) itemView {
	left, _ := s.src.Remaining(it.Name)
	th := it.Thresholds
	if th == nil {
		th = map[string]float64{}
	}
	return itemView{
		Name:             it.Name,
		URL:              it.URL,
		Price:            it.Price,
		Notify:           it.Notify,
		IntervalSeconds:  catalog.NormalizeInterval(it.IntervalSeconds),
		Thresholds:       th,
		LastCheckedAt:    it.LastCheckedAt,
		NextCheckSeconds: int64(left / time.Second),
		CreatedAt:        it.CreatedAt,
		EditedAt:         it.EditedAt,
		Image:            it.Image,
	}
}

func (s *Server) handleItems(w http.ResponseWriter, _ *http.Request) {
	items := s.src.Items()
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, s.view(it))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (catalog.Item, bool) {
	name := chi.URLParam(r, "name")
	if un, err := url.PathUnescape(name); err == nil {
		name = un
	}
	it, ok := s.src.Item(name)
	if !ok {
		writeError(w, http.StatusNotFound, catalog.ErrNotFound)
	}
	return it, ok
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	it, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(it))
}

// handleHistory returns observations oldest first; ?limit=N keeps the
// newest N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	it, ok := s.lookup(w, r)
	if !ok {
		return
	}
	obs := s.src.History(it.Name)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		if n < len(obs) {
			obs = obs[len(obs)-n:]
		}
	}
	if obs == nil {
		obs = []catalog.Observation{}
	}
	writeJSON(w, http.StatusOK, obs)
}

type insightView struct {
	Name       string           `json:"name"`
	Price      catalog.Price    `json:"price"`
	Average    float64          `json:"average"`
	Minimum    float64          `json:"minimum"`
	Maximum    float64          `json:"maximum"`
	Suggestion string           `json:"suggestion"`
	Severity   suggest.Severity `json:"severity"`
}

func (s *Server) handleInsight(w http.ResponseWriter, r *http.Request) {
	it, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ins, err := s.src.Insight(it.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, insightView{
		Name:       it.Name,
		Price:      it.Price,
		Average:    ins.Stats.Average,
		Minimum:    ins.Stats.Minimum,
		Maximum:    ins.Stats.Maximum,
		Suggestion: ins.Suggestion.Text,
		Severity:   ins.Suggestion.Severity,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
