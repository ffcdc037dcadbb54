package debugserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"periodicd/internal/history"
	"periodicd/internal/periodic"
	rtsup "periodicd/internal/runtime/supervisor"
)

// Sources are the read (and kill switch) hooks the endpoints expose.
// Any nil field disables the matching route.
type Sources struct {
	Scheduler   func() periodic.Snapshot
	SetEnabled  func(bool)
	History     func() history.Store
	Gatherer    prometheus.Gatherer
	Supervisors func() map[string]rtsup.Snapshot
}

type statusJSON struct {
	Now         time.Time                 `json:"now"`
	Scheduler   *periodic.Snapshot        `json:"scheduler,omitempty"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
}

// Handler builds the router. An empty token leaves every route open.
func (s *Service) Handler(token string) http.Handler {
	src := s.srcs
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(token))

		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", hpprof.Index)
			r.Get("/cmdline", hpprof.Cmdline)
			r.Get("/profile", hpprof.Profile)
			r.Get("/symbol", hpprof.Symbol)
			r.Post("/symbol", hpprof.Symbol)
			r.Get("/trace", hpprof.Trace)
			r.Get("/{profile}", hpprof.Index)
		})

		if src.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(src.Gatherer, promhttp.HandlerOpts{}))
		}

		r.Route("/debug/periodic", func(r chi.Router) {
			r.Get("/", handleStatus(src))
			if src.History != nil {
				r.Get("/history", handleHistory(src.History))
			}
			if src.SetEnabled != nil {
				r.Post("/enabled", handleSetEnabled(src))
			}
		})
	})
	return r
}

func handleStatus(src Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := statusJSON{Now: time.Now()}
		if src.Scheduler != nil {
			snap := src.Scheduler()
			out.Scheduler = &snap
		}
		if src.Supervisors != nil {
			out.Supervisors = src.Supervisors()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleHistory(store func() history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := store()
		if st == nil {
			http.Error(w, history.ErrDisabled.Error(), http.StatusNotFound)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		recs, err := st.Recent(ctx, r.URL.Query().Get("client"), limit)
		if errors.Is(err, history.ErrDisabled) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []history.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

// handleSetEnabled flips the kill switch: POST /debug/periodic/enabled?value=false
func handleSetEnabled(src Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		on, err := strconv.ParseBool(r.URL.Query().Get("value"))
		if err != nil {
			http.Error(w, "value must be a boolean", http.StatusBadRequest)
			return
		}
		src.SetEnabled(on)
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": on})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// authMiddleware accepts "Authorization: Bearer <token>" or ?token=<token>.
func authMiddleware(token string) func(http.Handler) http.Handler {
	tok := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		if len(tok) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				ah := r.Header.Get("Authorization")
				if rest, ok := strings.CutPrefix(ah, "Bearer "); ok {
					got = strings.TrimSpace(rest)
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), tok) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
