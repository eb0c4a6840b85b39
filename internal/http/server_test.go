package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db_migration_starter/internal/config"
	"db_migration_starter/internal/diff"
	"db_migration_starter/internal/engine"
	"db_migration_starter/internal/history"
	"db_migration_starter/internal/logging"
	"db_migration_starter/internal/schema"
	"db_migration_starter/starter"
)

type fakeEngine struct {
	migrateErr, validateErr, repairErr error
	calls                              []string
}

func (f *fakeEngine) Name() string { return "sql" }

func (f *fakeEngine) Migrate(context.Context) (engine.Report, error) {
	f.calls = append(f.calls, "migrate")
	return engine.Report{Engine: "sql", Applied: []string{"1"}}, f.migrateErr
}

func (f *fakeEngine) Validate(context.Context) error {
	f.calls = append(f.calls, "validate")
	return f.validateErr
}

func (f *fakeEngine) Repair(context.Context) error {
	f.calls = append(f.calls, "repair")
	return f.repairErr
}

type fakePipeline struct {
	plan      starter.Plan
	planErr   error
	status    starter.Status
	engine    *fakeEngine
	engineErr error
}

func (f *fakePipeline) Plan(context.Context) (starter.Plan, error) { return f.plan, f.planErr }

func (f *fakePipeline) Generate(context.Context) starter.Status { return f.status }

func (f *fakePipeline) Engine() (engine.Engine, error) {
	if f.engineErr != nil {
		return nil, f.engineErr
	}
	return f.engine, nil
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func newTestServer(p *fakePipeline, db Pinger) http.Handler {
	logger := logging.Discard()
	return New(config.Default(), logger, db, NewMigrationHandler(p, logger)).Routes()
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHealth(t *testing.T) {
	rec, body := do(t, newTestServer(&fakePipeline{}, nil), http.MethodGet, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_configured", body["db"])
	assert.Equal(t, "sql", body["engine"])

	rec, _ = do(t, newTestServer(&fakePipeline{}, fakePinger{}), http.MethodGet, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = do(t, newTestServer(&fakePipeline{}, fakePinger{err: errors.New("down")}), http.MethodGet, "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "service_unhealthy", body["error"].(map[string]any)["code"])
}

func TestPending(t *testing.T) {
	snap, err := schema.NewSnapshot(schema.Generic,
		schema.Entity{Table: "order", Columns: []schema.Column{{Name: "id", Type: schema.TypeBigInt}}},
		schema.Entity{Table: "customer", Columns: []schema.Column{{Name: "id", Type: schema.TypeBigInt}}},
	)
	require.NoError(t, err)
	migrated := history.NewTableSet("customer")
	p := &fakePipeline{plan: starter.Plan{
		Dialect:  schema.Generic,
		Snapshot: snap,
		Migrated: migrated,
		Pending:  diff.Detect(snap, migrated),
	}}

	rec, body := do(t, newTestServer(p, nil), http.MethodGet, "/api/v1/migrations/pending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["entities"])
	assert.Equal(t, []any{"customer"}, body["migrated"])
	assert.Contains(t, body["pending"], "order")
	assert.Equal(t, "New tables: order", body["summary"])

	p.planErr = errors.New("history unreadable")
	rec, _ = do(t, newTestServer(p, nil), http.MethodGet, "/api/v1/migrations/pending")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGenerate(t *testing.T) {
	cases := []struct {
		status starter.Status
		code   int
	}{
		{starter.Status{Success: true, Artifact: "/tmp/V1__x.sql"}, http.StatusCreated},
		{starter.Status{Success: true, Artifact: "/tmp/V1__x.sql", Skipped: true}, http.StatusOK},
		{starter.Status{Success: true}, http.StatusOK},
		{starter.Status{Error: "disk full"}, http.StatusInternalServerError},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			rec, body := do(t, newTestServer(&fakePipeline{status: tc.status}, nil), http.MethodPost, "/api/v1/migrations/generate")
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.status.Success, body["success"])
		})
	}
}

func TestEngineActions(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestServer(&fakePipeline{engine: eng}, nil)

	rec, body := do(t, h, http.MethodPost, "/api/v1/migrations/migrate")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"1"}, body["applied"])

	rec, body = do(t, h, http.MethodPost, "/api/v1/migrations/validate")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "valid", body["status"])

	rec, body = do(t, h, http.MethodPost, "/api/v1/migrations/repair")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "repaired", body["status"])

	rec, _ = do(t, h, http.MethodPost, "/api/v1/migrations/rollback")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []string{"migrate", "validate", "repair"}, eng.calls)
}

func TestEngineActionErrors(t *testing.T) {
	eng := &fakeEngine{
		validateErr: fmt.Errorf("%w: checksum mismatch", engine.ErrValidation),
		repairErr:   errors.New("ledger locked"),
	}
	h := newTestServer(&fakePipeline{engine: eng}, nil)

	rec, body := do(t, h, http.MethodPost, "/api/v1/migrations/validate")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "validation_failed", body["error"].(map[string]any)["code"])

	rec, body = do(t, h, http.MethodPost, "/api/v1/migrations/repair")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "repair_failed", body["error"].(map[string]any)["code"])

	h = newTestServer(&fakePipeline{engineErr: engine.ErrNoDatabase}, nil)
	rec, _ = do(t, h, http.MethodPost, "/api/v1/migrations/migrate")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBusyHandlerRejects(t *testing.T) {
	logger := logging.Discard()
	mh := NewMigrationHandler(&fakePipeline{engine: &fakeEngine{}}, logger)
	h := New(config.Default(), logger, nil, mh).Routes()

	mh.running.Lock()
	defer mh.running.Unlock()
	rec, body := do(t, h, http.MethodPost, "/api/v1/migrations/migrate")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "busy", body["error"].(map[string]any)["code"])
}
