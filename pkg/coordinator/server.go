package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/utils/httputil"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	logger      *zap.Logger
	server      *http.Server
	coordinator *Coordinator
	validate    *validator.Validate
	maxReplicas int

	lock     *sync.Mutex
	creating map[string]struct{}
}

func NewServer(logger *zap.Logger, config *Config, coordinator *Coordinator, gatherer prometheus.Gatherer) *Server {
	logger = logger.Named("server")

	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})

	r := mux.NewRouter()
	server := &Server{
		logger: logger,
		server: &http.Server{
			Addr:        config.GetAddr(),
			ReadTimeout: 10 * time.Second,
			// Creating an execution may build the base image.
			WriteTimeout: 15 * time.Minute,
			Handler:      r,
			ErrorLog:     zap.NewStdLog(logger),
		},
		coordinator: coordinator,
		validate:    validate,
		maxReplicas: config.GetMaxReplicas(),
		lock:        new(sync.Mutex),
		creating:    make(map[string]struct{}),
	}

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(logger.Named("prom")),
	}))
	r.HandleFunc("/heartbeat", server.heartbeat).Methods("POST")

	apiR := r.PathPrefix("/api/v1").Subrouter()
	apiR.HandleFunc("/executions", server.apiExecutionCreate).Methods("POST")
	apiR.HandleFunc("/executions/{id}", server.apiExecutionGet).Methods("GET")
	apiR.HandleFunc("/executions/{id}", server.apiExecutionDelete).Methods("DELETE")
	apiR.HandleFunc("/executions/{id}/stop", server.apiExecutionStop).Methods("POST")

	if recorder, ok := coordinator.store.(resultRecorder); ok {
		server.registerBackend(r.PathPrefix("/internal").Subrouter(), recorder, config.GetFilesDir())
	}

	return server
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start(ctx context.Context, g *errgroup.Group) error {
	g.Go(func() error {
		go func() {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.server.Shutdown(shutdownCtx)
		}()

		s.logger.Info("starting server", zap.String("addr", s.server.Addr))
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to run server: %w", err)
		}
		return nil
	})
	return nil
}

func (s *Server) heartbeat(rw http.ResponseWriter, r *http.Request) {
	var hb protocol.Heartbeat
	if err := httputil.ReadJSON(r, &hb); err != nil {
		http.Error(rw, "invalid heartbeat", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(hb); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	if !hb.State.Valid() {
		http.Error(rw, fmt.Sprintf("unknown agent state: %q", hb.State), http.StatusBadRequest)
		return
	}

	resp := s.coordinator.OnHeartbeat(r.Context(), hb)

	body, err := protocol.MarshalResponse(resp)
	if err != nil {
		s.logger.Error("failed to encode heartbeat response", zap.Error(err))
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Write(body)
}
