package coordinator

import (
	"archive/tar"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/utils/httputil"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// resultRecorder is implemented by stores that take the result uploads of
// agents directly, in place of the backend.
type resultRecorder interface {
	RecordResults(executionID string, results []protocol.TestExecutionResult) error
}

// registerBackend serves the backend routes agents call, for standalone
// deployments without a backend.
func (s *Server) registerBackend(r *mux.Router, recorder resultRecorder, filesDir string) {
	logger := s.logger.Named("backend")

	r.HandleFunc("/test-executions/save-results", func(rw http.ResponseWriter, r *http.Request) {
		executionID := r.URL.Query().Get("executionId")

		var results []protocol.TestExecutionResult
		if err := httputil.ReadJSON(r, &results); err != nil {
			http.Error(rw, "invalid results", http.StatusBadRequest)
			return
		}
		if err := recorder.RecordResults(executionID, results); err != nil {
			logger.Warn("rejected results", zap.Error(err), zap.String("executionID", executionID))
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Debug("results recorded", zap.String("executionID", executionID), zap.Int("count", len(results)))
		rw.WriteHeader(http.StatusNoContent)
	}).Methods("POST")

	r.HandleFunc("/files/debug-info", func(rw http.ResponseWriter, r *http.Request) {
		var info protocol.TestDebugInfo
		if err := httputil.ReadJSON(r, &info); err != nil {
			http.Error(rw, "invalid debug info", http.StatusBadRequest)
			return
		}
		logger.Info("test debug info",
			zap.String("executionID", r.URL.Query().Get("executionId")),
			zap.String("agentID", info.AgentID),
			zap.String("filePath", info.FilePath),
			zap.String("status", string(info.Status)),
			zap.String("message", info.Message),
		)
		rw.WriteHeader(http.StatusNoContent)
	}).Methods("POST")

	r.HandleFunc("/agents/version", func(rw http.ResponseWriter, r *http.Request) {
		var version protocol.AgentVersion
		if err := httputil.ReadJSON(r, &version); err != nil {
			http.Error(rw, "invalid version", http.StatusBadRequest)
			return
		}
		logger.Info("agent version", zap.String("agentID", version.AgentID), zap.String("version", version.Version))
		rw.WriteHeader(http.StatusNoContent)
	}).Methods("POST")

	r.HandleFunc("/logs/{agentID}", func(rw http.ResponseWriter, r *http.Request) {
		n, err := io.Copy(io.Discard, r.Body)
		if err != nil {
			http.Error(rw, "failed to read logs", http.StatusBadRequest)
			return
		}
		logger.Debug("agent logs received", zap.String("agentID", mux.Vars(r)["agentID"]), zap.Int64("bytes", n))
		rw.WriteHeader(http.StatusNoContent)
	}).Methods("POST")

	// Resources are already staged on the agent volume.
	r.HandleFunc("/files/download-resources", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/x-tar")
		if err := tar.NewWriter(rw).Close(); err != nil {
			logger.Warn("failed to write resources archive", zap.Error(err))
		}
	}).Methods("GET")

	r.HandleFunc("/files/download", func(rw http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if filesDir == "" || name == "" {
			http.NotFound(rw, r)
			return
		}

		path := filepath.Join(filesDir, filepath.Clean("/"+name))
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			http.NotFound(rw, r)
			return
		}
		http.ServeFile(rw, r, path)
	}).Methods("GET")
}
