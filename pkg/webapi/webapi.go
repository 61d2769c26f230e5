// This file is to handle things such as metrics/health/topology, etc

package webapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/couchbaselabs/fsmcluster/cluster"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// TopologyFunc returns the latest published description of the deployment,
// or nil before one exists.  It is called from the web server goroutines.
type TopologyFunc func() *cluster.Topology

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Topology      TopologyFunc
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	topology      TopologyFunc
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	topology := opts.Topology
	if topology == nil {
		topology = func() *cluster.Topology { return nil }
	}

	return &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		topology:      topology,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the fsmcluster internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	topology := w.topology()
	if topology == nil || topology.State != cluster.StateReady.String() {
		state := "unknown"
		if topology != nil {
			state = topology.State
		}

		rw.WriteHeader(http.StatusServiceUnavailable)
		_, err := rw.Write([]byte("cluster is " + state))
		if err != nil {
			w.logger.Debug("failed to write health response", zap.Error(err))
		}
		return
	}

	rw.WriteHeader(http.StatusOK)
	_, err := rw.Write([]byte("ok"))
	if err != nil {
		w.logger.Debug("failed to write health response", zap.Error(err))
	}
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	topology := w.topology()
	if topology == nil {
		http.Error(rw, "no deployment has been set up", http.StatusNotFound)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)

	err := json.NewEncoder(rw).Encode(topology)
	if err != nil {
		w.logger.Debug("failed to write topology response", zap.Error(err))
	}
}

// Handler builds the router serving every endpoint.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/topology", w.handleTopology).Methods(http.MethodGet)
	if w.logLevel != nil {
		r.Handle("/loglevel", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.HandleFunc("/", w.handleRoot)

	return r
}

func (w *WebServer) ListenAndServe() error {
	server := &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

// InitializeWebServer starts the process-wide web server in the background.
// Later calls return the already running server.
func InitializeWebServer(opts WebServerOptions) *WebServer {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return globalWebServer
	}

	server := NewWebServer(opts)
	globalWebServer = server
	globalWebLock.Unlock()

	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			server.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()

	return server
}
