package httpserver

import (
	"context"
	"net/http"
	"time"
)

// Pinger is satisfied by *sql.DB and *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type HealthHandler struct {
	DB      Pinger
	Engine  string
	Enabled bool
}

type healthResponse struct {
	Status  string `json:"status"`
	DB      string `json:"db"`
	Engine  string `json:"engine"`
	Enabled bool   `json:"enabled"`
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "not_configured"
	if h.DB != nil {
		if err := h.DB.PingContext(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "service_unhealthy", "database unreachable")
			return
		}
		dbStatus = "ok"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		DB:      dbStatus,
		Engine:  h.Engine,
		Enabled: h.Enabled,
	})
}
