package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/juju/errors"
)

const (
	defaultReadingsLimit = 100
	maxReadingsLimit     = 1000
)

func (a *Adapter) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/readings", a.handleReadings)
	r.Get("/api/sources", a.handleSources)
	r.Get("/api/sources/{name}/next", a.handleNextSeq)
	r.Get("/ws", a.Hub.ServeHTTP)
	return r
}

// Serve runs HTTP API until ctx is done.
func (a *Adapter) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second}
	errch := make(chan error, 1)
	go func() { errch <- srv.ListenAndServe() }()
	a.Log.Infof("adapter http listen=%s", addr)
	select {
	case err := <-errch:
		return errors.Annotatef(err, "adapter http listen=%s", addr)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Hub.Close()
		return srv.Shutdown(shutCtx)
	}
}

func (a *Adapter) handleReadings(w http.ResponseWriter, r *http.Request) {
	limit := defaultReadingsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n > maxReadingsLimit {
			n = maxReadingsLimit
		}
		limit = n
	}
	readings, err := a.DB.Readings(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		a.Log.Error(err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, readings)
}

func (a *Adapter) handleSources(w http.ResponseWriter, r *http.Request) {
	sources, err := a.DB.Sources(r.Context())
	if err != nil {
		a.Log.Error(err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sources)
}

func (a *Adapter) handleNextSeq(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	writeJSON(w, map[string]uint32{"seq": a.NextSeq(name)})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
