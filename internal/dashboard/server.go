// Package dashboard serves a read-only web view of the bot: the live status
// board, roll counters and Prometheus metrics. It never places or cancels
// orders.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_roller/internal/market"
	"github.com/eddiefleurent/mifflin_roller/internal/storage"
	"github.com/eddiefleurent/mifflin_roller/internal/summary"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	board     *summary.Board
	storage   storage.Interface
	clock     *market.Clock
	logger    *logrus.Logger
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
}

func NewServer(cfg Config, board *summary.Board, store storage.Interface,
	clock *market.Clock, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		board:     board,
		storage:   store,
		clock:     clock,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/", s.handleIndex)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/rolls", s.handleRolls)
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.newRegistry(), promhttp.HandlerOpts{}))
}

// newRegistry builds a registry of gauges that read the live board at
// scrape time, so metrics never go stale between updates.
func (s *Server) newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	gauge := func(name, help string, fn func(summary.Snapshot) float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "mifflin", Name: name, Help: help},
			func() float64 { return fn(s.board.Snapshot()) },
		))
	}

	gauge("future_price", "Last observed futures price.", func(sn summary.Snapshot) float64 { return sn.FuturePx })
	gauge("baseline_price", "Active roll baseline price.", func(sn summary.Snapshot) float64 { return sn.Baseline })
	gauge("call_mark", "Short call mark price.", func(sn summary.Snapshot) float64 { return sn.CallMark })
	gauge("call_strike", "Short call strike.", func(sn summary.Snapshot) float64 { return sn.CallStrike })
	gauge("call_pnl_pct", "Percent of entry premium captured.", func(sn summary.Snapshot) float64 { return sn.PnLPct })
	gauge("cash_balance_usd", "Account cash balance in USD.", func(sn summary.Snapshot) float64 { return sn.CashBalance })
	gauge("rolls_today", "Rolls executed this trading date.", func(sn summary.Snapshot) float64 { return float64(sn.RollsToday) })
	gauge("rolls_week", "Rolls executed this ISO week.", func(sn summary.Snapshot) float64 { return float64(sn.RollsWeek) })
	gauge("order_in_flight", "1 while an execution sequence is working orders.", func(sn summary.Snapshot) float64 {
		if sn.OrderInFlight {
			return 1
		}
		return 0
	})
	gauge("session_open", "1 while the futures session is open.", func(sn summary.Snapshot) float64 {
		if sn.SessionState == string(market.SessionOpen) {
			return 1
		}
		return 0
	})

	return reg
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.board.Snapshot())
}

// rollsView is the /api/rolls payload: today's and this week's counts plus
// the full persisted history.
type rollsView struct {
	Today   int                  `json:"today"`
	Week    int                  `json:"week"`
	History storage.RollCounters `json:"history"`
}

func (s *Server) handleRolls(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()
	counters := s.storage.Counters()
	s.writeJSON(w, rollsView{
		Today:   s.storage.RollsOn(market.DateKey(now)),
		Week:    s.storage.RollsInWeek(market.ISOWeekKey(now)),
		History: counters,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	data := struct {
		Snapshot summary.Snapshot
		Rolls    int
	}{
		Snapshot: s.board.Snapshot(),
		Rolls:    s.storage.RollsOn(market.DateKey(s.clock.Now())),
	}
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.WithError(err).Error("Failed to render dashboard")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Mifflin Roller</title>
<meta http-equiv="refresh" content="5">
<style>
body { font-family: ui-monospace, monospace; background: #111; color: #ddd; margin: 2rem; }
table { border-collapse: collapse; }
td { padding: 0.25rem 1rem 0.25rem 0; }
.k { color: #888; }
.pos { color: #6c6; } .neg { color: #c66; }
</style>
</head>
<body>
<h2>Mifflin Roller &mdash; {{.Snapshot.Underlying}}</h2>
<table>
<tr><td class="k">state</td><td>{{.Snapshot.EngineState}}</td></tr>
<tr><td class="k">session</td><td>{{.Snapshot.SessionState}}</td></tr>
<tr><td class="k">future</td><td>{{printf "%.2f" .Snapshot.FuturePx}}</td></tr>
<tr><td class="k">baseline</td><td>{{printf "%.2f" .Snapshot.Baseline}}</td></tr>
<tr><td class="k">short call</td><td>{{if .Snapshot.CallStrike}}{{.Snapshot.CallExpiry}} {{printf "%.0f" .Snapshot.CallStrike}}C @ {{printf "%.2f" .Snapshot.CallMark}}{{else}}none{{end}}</td></tr>
<tr><td class="k">pnl</td><td class="{{if ge .Snapshot.PnLPct 0.0}}pos{{else}}neg{{end}}">{{printf "%+.1f%%" .Snapshot.PnLPct}}</td></tr>
<tr><td class="k">cash</td><td>{{printf "$%.2f" .Snapshot.CashBalance}}</td></tr>
<tr><td class="k">rolls today</td><td>{{.Rolls}}</td></tr>
<tr><td class="k">last decision</td><td>{{.Snapshot.LastDecision}}</td></tr>
<tr><td class="k">updated</td><td>{{.Snapshot.UpdatedAt.Format "15:04:05"}}</td></tr>
</table>
</body>
</html>
`))
