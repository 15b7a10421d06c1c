package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/oursky/agent-fleet/pkg/lifecycle"
	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/utils/httputil"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// testSeeder is implemented by stores that accept the tests of an execution
// directly.
type testSeeder interface {
	AddExecution(executionID string, tests []protocol.TestDescriptor)
}

type createExecutionRequest struct {
	lifecycle.Execution
	Replicas int                       `json:"replicas" validate:"min=1"`
	Tests    []protocol.TestDescriptor `json:"tests,omitempty" validate:"dive"`
}

type createExecutionResponse struct {
	ExecutionID string   `json:"executionID"`
	AgentIDs    []string `json:"agentIDs"`
}

type stopExecutionResponse struct {
	AlreadyInProgress bool `json:"alreadyInProgress"`
}

func (s *Server) respondError(rw http.ResponseWriter, err error) {
	var lerr *lifecycle.Error
	if errors.As(err, &lerr) {
		s.logger.Error("container runtime failure", zap.Error(err), zap.String("executionID", lerr.ExecutionID))
	} else {
		s.logger.Error("request failed", zap.Error(err))
	}
	http.Error(rw, err.Error(), http.StatusInternalServerError)
}

// claim reserves the execution id for one create request at a time.
func (s *Server) claim(executionID string) (release func(), ok bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.creating[executionID]; ok {
		return nil, false
	}
	s.creating[executionID] = struct{}{}
	return func() {
		s.lock.Lock()
		delete(s.creating, executionID)
		s.lock.Unlock()
	}, true
}

// discard cleans up what was created for an execution that failed to start.
func (s *Server) discard(executionID string) {
	if err := s.coordinator.lifecycle.Cleanup(context.Background(), executionID); err != nil {
		s.logger.Warn("failed to clean up execution", zap.Error(err), zap.String("executionID", executionID))
	}
}

func (s *Server) apiExecutionCreate(rw http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		http.Error(rw, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Replicas > s.maxReplicas {
		http.Error(rw, fmt.Sprintf("at most %d replicas are allowed", s.maxReplicas), http.StatusBadRequest)
		return
	}
	release, ok := s.claim(req.ID)
	if !ok {
		http.Error(rw, "execution is being created", http.StatusConflict)
		return
	}
	defer release()

	if e, ok := s.coordinator.Execution(req.ID); ok && !e.Status.Terminal() {
		http.Error(rw, "execution is already running", http.StatusConflict)
		return
	}

	if len(req.Tests) > 0 {
		seeder, ok := s.coordinator.store.(testSeeder)
		if !ok {
			http.Error(rw, "tests are provided by the backend", http.StatusBadRequest)
			return
		}
		seeder.AddExecution(req.ID, req.Tests)
	}

	ctx := r.Context()
	logger := s.logger.With(zap.String("executionID", req.ID))

	config, err := s.coordinator.lifecycle.PrepareConfiguration(ctx, req.Execution)
	if err != nil {
		s.discard(req.ID)
		s.respondError(rw, err)
		return
	}

	agentIDs, err := s.coordinator.lifecycle.CreateContainers(ctx, req.ID, config, req.Replicas)
	if err != nil {
		s.discard(req.ID)
		s.respondError(rw, err)
		return
	}

	if err := s.coordinator.Register(ctx, req.ID, agentIDs); err != nil {
		s.discard(req.ID)
		http.Error(rw, err.Error(), http.StatusConflict)
		return
	}

	if err := s.coordinator.lifecycle.Start(ctx, req.ID); err != nil {
		if abortErr := s.coordinator.Abort(context.Background(), req.ID, "failed to start agents"); abortErr != nil {
			logger.Warn("failed to abort execution", zap.Error(abortErr))
		}
		s.respondError(rw, err)
		return
	}

	logger.Info("execution created", zap.Int("replicas", len(agentIDs)))
	httputil.RespondJSONStatus(rw, http.StatusCreated, createExecutionResponse{
		ExecutionID: req.ID,
		AgentIDs:    agentIDs,
	})
}

func (s *Server) apiExecutionGet(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	e, ok := s.coordinator.Execution(id)
	if !ok {
		http.Error(rw, "execution not found", http.StatusNotFound)
		return
	}
	httputil.RespondJSON(rw, e)
}

func (s *Server) apiExecutionStop(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	alreadyInProgress, err := s.coordinator.lifecycle.Stop(r.Context(), id)
	if err != nil {
		s.respondError(rw, err)
		return
	}

	if !alreadyInProgress {
		if err := s.coordinator.Abort(r.Context(), id, "stopped by request"); err != nil {
			s.logger.Info("execution not tracked", zap.Error(err), zap.String("executionID", id))
		}
	}
	httputil.RespondJSON(rw, stopExecutionResponse{AlreadyInProgress: alreadyInProgress})
}

func (s *Server) apiExecutionDelete(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.coordinator.lifecycle.Cleanup(r.Context(), id); err != nil {
		s.respondError(rw, err)
		return
	}
	s.coordinator.Forget(id)
	rw.WriteHeader(http.StatusNoContent)
}
