// Package api serves the stored FR Y-9C data as a read-only JSON API for the
// dashboard.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/y9c-cli/internal/mdrm"
	"github.com/sells-group/y9c-cli/internal/model"
	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/store"
)

// Server holds the API dependencies.
type Server struct {
	store   store.Store
	catalog *mdrm.Catalog
	log     *zap.Logger
}

// New creates a Server.
func New(st store.Store, catalog *mdrm.Catalog) *Server {
	return &Server{
		store:   st,
		catalog: catalog,
		log:     zap.L().With(zap.String("component", "api")),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/latest-period", s.latestPeriod)
		r.Get("/metrics", s.metrics)
		r.Route("/institutions/{rssd}", func(r chi.Router) {
			r.Get("/periods", s.periods)
			r.Get("/coverage", s.coverage)
			r.Get("/balance-sheet", s.balanceSheet)
			r.Get("/income-statement", s.incomeStatement)
			r.Get("/series/{code}", s.series)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type latestPeriodResponse struct {
	Period     *period.Period `json:"period"`
	ReportDate string         `json:"report_date,omitempty"`
}

func (s *Server) latestPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.LatestPeriod(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := latestPeriodResponse{Period: p}
	if p != nil {
		resp.ReportDate = p.ReportDate()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	items := s.catalog.Items()
	if q := r.URL.Query().Get("statement"); q != "" {
		st, err := mdrm.ParseStatement(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		items = s.catalog.Statement(st)
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) periods(w http.ResponseWriter, r *http.Request) {
	rssd, ok := rssdParam(w, r)
	if !ok {
		return
	}
	ps, err := s.store.Periods(r.Context(), rssd)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if ps == nil {
		ps = []period.Period{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) coverage(w http.ResponseWriter, r *http.Request) {
	rssd, ok := rssdParam(w, r)
	if !ok {
		return
	}
	cov, err := s.store.Coverage(r.Context(), rssd)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if cov == nil {
		cov = []model.Coverage{}
	}
	writeJSON(w, http.StatusOK, cov)
}

type statementResponse struct {
	RSSD      int64                      `json:"rssd_id"`
	Period    period.Period              `json:"period"`
	Statement mdrm.Statement             `json:"statement"`
	Values    map[string]decimal.Decimal `json:"values"`
}

func (s *Server) balanceSheet(w http.ResponseWriter, r *http.Request) {
	s.statement(w, r, mdrm.BalanceSheet)
}

func (s *Server) incomeStatement(w http.ResponseWriter, r *http.Request) {
	s.statement(w, r, mdrm.IncomeStatement)
}

// statement answers for ?period=, defaulting to the latest stored period.
func (s *Server) statement(w http.ResponseWriter, r *http.Request, st mdrm.Statement) {
	rssd, ok := rssdParam(w, r)
	if !ok {
		return
	}

	var p period.Period
	if q := r.URL.Query().Get("period"); q != "" {
		parsed, err := period.Parse(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p = parsed
	} else {
		latest, err := s.store.LatestPeriod(r.Context())
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		if latest == nil {
			writeError(w, http.StatusNotFound, "no data loaded")
			return
		}
		p = *latest
	}

	var (
		values map[string]decimal.Decimal
		err    error
	)
	if st == mdrm.BalanceSheet {
		values, err = s.store.BalanceSheet(r.Context(), rssd, p)
	} else {
		values, err = s.store.IncomeStatement(r.Context(), rssd, p)
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statementResponse{RSSD: rssd, Period: p, Statement: st, Values: values})
}

type seriesResponse struct {
	RSSD   int64         `json:"rssd_id"`
	Code   string        `json:"mdrm_code"`
	Name   string        `json:"name"`
	Points []model.Point `json:"points"`
}

func (s *Server) series(w http.ResponseWriter, r *http.Request) {
	rssd, ok := rssdParam(w, r)
	if !ok {
		return
	}
	code := strings.ToUpper(chi.URLParam(r, "code"))
	if !mdrm.Canonical(code) {
		writeError(w, http.StatusBadRequest, "invalid MDRM code: "+code)
		return
	}
	pts, err := s.store.TimeSeries(r.Context(), rssd, code)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if pts == nil {
		pts = []model.Point{}
	}
	writeJSON(w, http.StatusOK, seriesResponse{RSSD: rssd, Code: code, Name: s.catalog.Name(code), Points: pts})
}

func rssdParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "rssd")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid rssd id: "+raw)
		return 0, false
	}
	return id, true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
