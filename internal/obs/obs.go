// Package obs exports the tracker's internal event stream as Prometheus
// metrics and serves them over a small HTTP endpoint.
package obs

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trackerbot/internal/dispatch"
	"trackerbot/internal/eventbus"
	rtsup "trackerbot/internal/runtime/supervisor"
	"trackerbot/internal/tracker"
	logx "trackerbot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
}

// Server owns the metric registry, the bus subscription feeding it, and
// the HTTP listener exposing /metrics and /healthz.
type Server struct {
	cfg Config
	bus eventbus.Bus
	log logx.Logger

	reg        *prometheus.Registry
	polls      prometheus.Counter
	pollErrors prometheus.Counter
	changes    prometheus.Counter
	sent       prometheus.Counter
	failed     prometheus.Counter
	skipped    prometheus.Counter

	sup  *rtsup.Supervisor
	http *http.Server
}

func NewServer(cfg Config, bus eventbus.Bus, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, bus: bus, log: log, reg: prometheus.NewRegistry()}

	counter := func(name, help string) (prometheus.Counter, error) {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trackerbot",
			Name:      name,
			Help:      help,
		})
		if err := s.reg.Register(c); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		return c, nil
	}

	var err error
	if s.polls, err = counter("polls_total", "Completed connector polls."); err != nil {
		return nil, err
	}
	if s.pollErrors, err = counter("poll_errors_total", "Polls that failed to snapshot."); err != nil {
		return nil, err
	}
	if s.changes, err = counter("changes_total", "Detected source changes."); err != nil {
		return nil, err
	}
	if s.sent, err = counter("notifications_sent_total", "Notification parts delivered."); err != nil {
		return nil, err
	}
	if s.failed, err = counter("notifications_failed_total", "Notification parts that expired undelivered."); err != nil {
		return nil, err
	}
	if s.skipped, err = counter("notifications_skipped_total", "Notifications dropped for blocked or silenced users."); err != nil {
		return nil, err
	}
	if err := s.reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	return s, nil
}

// Registry exposes the metric registry for tests.
func (s *Server) Registry() *prometheus.Registry { return s.reg }

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.sup != nil {
		return nil
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "obs"))),
		rtsup.WithCancelOnError(false),
	)

	events, unsubscribe := s.bus.Subscribe(256)
	s.sup.Go0("events.consume", func(c context.Context) {
		defer unsubscribe()
		s.consume(c, events)
	})

	if !s.cfg.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.cfg.Addr, err)
	}
	s.http = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.sup.Go("http.serve", func(context.Context) error {
		s.log.Info("metrics endpoint up", logx.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	s.sup.Go0("http.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutCtx)
	})
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.sup == nil {
		return
	}
	s.sup.Cancel()
	_ = s.sup.Wait(ctx)
	s.sup = nil
}

func (s *Server) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case tracker.EventPoll:
				s.polls.Inc()
			case tracker.EventPollError:
				s.pollErrors.Inc()
			case tracker.EventChange:
				s.changes.Inc()
			case dispatch.EventSent:
				s.sent.Inc()
			case dispatch.EventFailed:
				s.failed.Inc()
			case dispatch.EventSkipped:
				s.skipped.Inc()
			}
		}
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return r
}
