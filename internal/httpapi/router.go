package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryabkov82/multifetch/internal/logger"
)

// RouterOptions configures NewRouter
type RouterOptions struct {
	// APIKey protects the batch endpoints. Empty disables authentication.
	APIKey string
	// Metrics is served on /metrics when set
	Metrics http.Handler
	Logger  *zap.SugaredLogger
}

// NewRouter sets up HTTP routes. /version and /metrics are never
// authenticated.
// Batch routes stay on the root router so method mismatches answer 405.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	r.HandleFunc("/version", h.GetVersion).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	auth := AuthMiddleware(opts.APIKey)
	r.Handle("/batches", auth(http.HandlerFunc(h.CreateBatch))).Methods(http.MethodPost)
	r.Handle("/batches", auth(http.HandlerFunc(h.ListBatches))).Methods(http.MethodGet)
	r.Handle("/batches/{id}", auth(http.HandlerFunc(h.GetBatch))).Methods(http.MethodGet)
	r.Handle("/batches/{id}/cancel", auth(http.HandlerFunc(h.CancelBatch))).Methods(http.MethodPost)

	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	logged := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, p handlers.LogFormatterParams) {
		log.Debugw("HTTP request",
			logger.FieldMethod, p.Request.Method,
			logger.FieldPath, p.URL.Path,
			logger.FieldStatus, p.StatusCode,
			"size", p.Size,
			logger.FieldDuration, time.Since(p.TimeStamp).Milliseconds(),
		)
	})
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(logged)
}
