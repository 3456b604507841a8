package httpapi

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryabkov82/multifetch/internal/acquire"
	"github.com/ryabkov82/multifetch/internal/job"
	"github.com/ryabkov82/multifetch/internal/logger"
	"github.com/ryabkov82/multifetch/internal/plan"
	"github.com/ryabkov82/multifetch/internal/version"
)

// maxDefinitionBytes caps a submitted project definition
const maxDefinitionBytes = 4 << 20

// Handler handles HTTP requests
type Handler struct {
	store    *job.Store
	dataRoot string
	logger   *zap.SugaredLogger
}

// NewHandler creates a new handler. Every batch is written under dataRoot.
func NewHandler(store *job.Store, dataRoot string, log *zap.SugaredLogger) (*Handler, error) {
	absRoot, err := filepath.Abs(dataRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid data root %s", dataRoot)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{store: store, dataRoot: absRoot, logger: log}, nil
}

// batchResponse is the JSON view of a run
type batchResponse struct {
	BatchID     string        `json:"batchId"`
	Project     string        `json:"project"`
	Destination string        `json:"destination"`
	Status      job.RunStatus `json:"status"`
	Jobs        int           `json:"jobs"`
	JobsStarted int           `json:"jobsStarted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	CreatedAt   string        `json:"createdAt"`
	StartedAt   string        `json:"startedAt,omitempty"`
	FinishedAt  string        `json:"finishedAt,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	Summary     *job.Summary  `json:"summary,omitempty"`
	Events      []job.Event   `json:"events,omitempty"`
}

func newBatchResponse(r *job.Run, withEvents bool) batchResponse {
	resp := batchResponse{
		BatchID:     r.ID,
		Project:     r.Project,
		Destination: r.Destination,
		Status:      r.Status,
		Jobs:        len(r.Jobs),
		JobsStarted: r.JobsStarted,
		Succeeded:   r.Succeeded,
		Failed:      r.Failed,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
		LastError:   r.LastError,
		Summary:     r.Summary,
	}
	if r.StartedAt != nil {
		resp.StartedAt = r.StartedAt.Format(time.RFC3339)
	}
	if r.FinishedAt != nil {
		resp.FinishedAt = r.FinishedAt.Format(time.RFC3339)
	}
	if withEvents {
		resp.Events = r.Events
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// GetVersion handles GET /version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Info())
}

// CreateBatch handles POST /batches. The body is a project definition in
// JSON. The batch is planned and its directory prepared before it is queued,
// so validation and directory errors are reported synchronously.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var def plan.Definition
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDefinitionBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid JSON"))
		return
	}

	project, err := plan.NormalizeProject(def.Project)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	root, err := h.resolveRoot(def.Root)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	jobs, err := plan.PlanDefinition(def)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dest, err := acquire.PrepareWithin(h.dataRoot, root, project)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run := &job.Run{Project: project, Destination: dest, Jobs: jobs}
	id, err := h.store.Create(run)
	if err != nil {
		if errors.Is(err, job.ErrQueueFull) {
			writeError(w, http.StatusTooManyRequests, errors.New("queue is full, please try again later"))
			return
		}
		writeError(w, http.StatusInternalServerError, errors.Wrap(err, "create batch"))
		return
	}

	h.logger.Infow("Batch queued", logger.FieldRunID, id, logger.FieldProject, project, logger.FieldCount, len(jobs), logger.FieldPath, dest)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"batchId": id,
		"status":  job.StatusQueued,
		"jobs":    len(jobs),
	})
}

// resolveRoot confines a requested root to the data root lexically.
// An empty root means the data root itself. Symlinks are checked by
// acquire.PrepareWithin.
func (h *Handler) resolveRoot(root string) (string, error) {
	if root == "" {
		return h.dataRoot, nil
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(h.dataRoot, root)
	}
	root = filepath.Clean(root)
	if root == h.dataRoot {
		return root, nil
	}
	if err := acquire.ValidateWithin(root, h.dataRoot); err != nil {
		return "", errors.Wrap(err, "root")
	}
	return root, nil
}

// ListBatches handles GET /batches
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	runs := h.store.List()
	out := make([]batchResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, newBatchResponse(run, false))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetBatch handles GET /batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, newBatchResponse(run, true))
}

// CancelBatch handles POST /batches/{id}/cancel
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.Cancel(id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, job.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	h.logger.Infow("Batch canceled", logger.FieldRunID, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(job.StatusCanceled)})
}
