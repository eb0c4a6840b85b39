package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"db_migration_starter/internal/diff"
	"db_migration_starter/internal/engine"
	"db_migration_starter/starter"
)

// Pipeline is the part of starter.Pipeline the admin API drives.
type Pipeline interface {
	Plan(ctx context.Context) (starter.Plan, error)
	Generate(ctx context.Context) starter.Status
	Engine() (engine.Engine, error)
}

// MigrationHandler exposes detection, generation and the engine
// operations. Mutating calls are serialised; a second caller gets 409.
type MigrationHandler struct {
	pipeline Pipeline
	logger   requestLogger
	running  sync.Mutex
}

func NewMigrationHandler(pipeline Pipeline, logger requestLogger) *MigrationHandler {
	return &MigrationHandler{
		pipeline: pipeline,
		logger:   logger,
	}
}

type pendingResponse struct {
	Dialect  string              `json:"dialect"`
	Entities int                 `json:"entities"`
	Migrated []string            `json:"migrated"`
	Pending  map[string][]string `json:"pending"`
	Summary  string              `json:"summary"`
}

func (h *MigrationHandler) Pending(w http.ResponseWriter, r *http.Request) {
	plan, err := h.pipeline.Plan(r.Context())
	if err != nil {
		h.logger.Error("detect pending changes failed", "error", err)
		writeError(w, http.StatusInternalServerError, "detect_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pendingResponse{
		Dialect:  string(plan.Dialect),
		Entities: plan.Snapshot.Len(),
		Migrated: plan.Migrated.Sorted(),
		Pending:  plan.Pending.Map(),
		Summary:  diff.Describe(plan.Pending),
	})
}

func (h *MigrationHandler) Generate(w http.ResponseWriter, r *http.Request) {
	if !h.running.TryLock() {
		writeError(w, http.StatusConflict, "busy", "another migration operation is running")
		return
	}
	defer h.running.Unlock()

	st := h.pipeline.Generate(r.Context())
	switch {
	case !st.Success:
		writeJSON(w, http.StatusInternalServerError, st)
	case st.Artifact != "" && !st.Skipped:
		writeJSON(w, http.StatusCreated, st)
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

// Engine runs migrate, validate or repair, named by the {action} segment.
func (h *MigrationHandler) Engine(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	switch action {
	case "migrate", "validate", "repair":
	default:
		writeError(w, http.StatusNotFound, "unknown_action", "unknown migration action "+action)
		return
	}
	if !h.running.TryLock() {
		writeError(w, http.StatusConflict, "busy", "another migration operation is running")
		return
	}
	defer h.running.Unlock()

	eng, err := h.pipeline.Engine()
	if err != nil {
		h.logger.Error("build migration engine failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "engine_unavailable", err.Error())
		return
	}

	var report any
	switch action {
	case "migrate":
		report, err = eng.Migrate(r.Context())
	case "validate":
		err = eng.Validate(r.Context())
		report = map[string]string{"engine": eng.Name(), "status": "valid"}
	case "repair":
		err = eng.Repair(r.Context())
		report = map[string]string{"engine": eng.Name(), "status": "repaired"}
	}
	if err != nil {
		h.logger.Error("migration action failed", "action", action, "engine", eng.Name(), "error", err)
		status, code := http.StatusInternalServerError, action+"_failed"
		if errors.Is(err, engine.ErrValidation) {
			status, code = http.StatusConflict, "validation_failed"
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
