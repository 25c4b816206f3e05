// Package api implements the admin HTTP surface: read-only
// health/stats/debug routes plus a Prometheus /metrics endpoint, wired
// to a live datastore.Datastore. This is not part of the core spec.md
// subsystems — it is ambient operational tooling, built the way the
// teacher's REST API was built (chi router, cors middleware, a
// Prometheus-instrumented handler wrapper) but relabeled from
// key/value HTTP operations to read-only introspection of the
// reactive datastore, since spec.md's network protocol (pkg/netproto)
// already owns every mutating operation.
package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssargent/reactivedb/pkg/datastore"
)

// APIResponse is the envelope every admin route responds with.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// TableInfo is the /debug/tables and /stats per-table projection of a
// datastore.Table — its identity and place in the dependency graph,
// deliberately omitting its Transform (not JSON-serializable and not
// useful to an operator staring at a debug endpoint).
type TableInfo struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
	Records int      `json:"records"`
}

// Server holds the state every admin route handler needs.
type Server struct {
	ds      *datastore.Datastore
	metrics *Metrics
}

// NewServer builds a Server over ds, instrumented with metrics.
func NewServer(ds *datastore.Datastore, metrics *Metrics) *Server {
	return &Server{ds: ds, metrics: metrics}
}

// StartServer builds the admin router and blocks serving it on port.
func StartServer(ds *datastore.Datastore, port int) error {
	metrics := NewMetrics()
	detach := metrics.Attach(ds)
	defer detach()

	server := NewServer(ds, metrics)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", metrics.InstrumentHandler("GET", "/healthz", server.handleHealthz))
	r.Get("/stats", metrics.InstrumentHandler("GET", "/stats", server.handleStats))
	r.Get("/debug/tables", metrics.InstrumentHandler("GET", "/debug/tables", server.handleDebugTables))

	addr := fmt.Sprintf(":%d", port)
	log.Printf("starting admin API on %s", addr)
	log.Printf("metrics available at http://localhost%s/metrics", addr)
	return http.ListenAndServe(addr, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, "ok")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	infos, err := s.tableInfos()
	if err != nil {
		sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.metrics.UpdateTablesTotal(len(infos))
	sendSuccess(w, map[string]interface{}{
		"tables": len(infos),
	})
}

func (s *Server) handleDebugTables(w http.ResponseWriter, r *http.Request) {
	infos, err := s.tableInfos()
	if err != nil {
		sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sendSuccess(w, infos)
}

func (s *Server) tableInfos() ([]TableInfo, error) {
	names := s.ds.TableNames()
	infos := make([]TableInfo, 0, len(names))
	for _, name := range names {
		t, ok := s.ds.GetTable(name)
		if !ok {
			continue
		}
		records, err := s.ds.GetAll(name)
		if err != nil {
			return nil, fmt.Errorf("api: listing %q: %w", name, err)
		}
		infos = append(infos, TableInfo{
			Name:    t.Name,
			Type:    t.Type.String(),
			Inputs:  t.Settings.Inputs,
			Outputs: t.Settings.Outputs,
			Records: len(records),
		})
	}
	return infos, nil
}
