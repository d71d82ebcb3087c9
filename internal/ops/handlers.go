package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pollhub/internal/poll"
	"pollhub/internal/storage"
)

// Manager is the poll manager surface exposed over HTTP.
type Manager interface {
	Health() poll.Health
	AllStatus() poll.Status
	TaskStatus(name string) (poll.TaskStatus, error)
	Enable(name string) error
	Disable(name string) error
}

// Deps are the handlers' data sources. Gatherer and Store are optional.
type Deps struct {
	Manager  Manager
	Gatherer prometheus.Gatherer
	Store    storage.Store
}

// Routes builds the ops router. Unknown methods on a known path get 405.
func Routes(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := d.Manager.Health()
		code := http.StatusOK
		if !h.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Manager.AllStatus())
	})
	r.Get("/status/{name}", func(w http.ResponseWriter, r *http.Request) {
		st, err := d.Manager.TaskStatus(chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
	r.Route("/tasks/{name}", func(r chi.Router) {
		r.Post("/enable", func(w http.ResponseWriter, r *http.Request) {
			toggle(w, r, d.Manager.Enable)
		})
		r.Post("/disable", func(w http.ResponseWriter, r *http.Request) {
			toggle(w, r, d.Manager.Disable)
		})
	})
	r.Get("/outcomes", func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			http.Error(w, "outcome journal disabled", http.StatusNotFound)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		out, err := d.Store.RecentOutcomes(r.Context(), r.URL.Query().Get("task"), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if out == nil {
			out = []storage.Outcome{}
		}
		writeJSON(w, http.StatusOK, out)
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func toggle(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	name := chi.URLParam(r, "name")
	if err := fn(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, poll.ErrNotFound) {
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
