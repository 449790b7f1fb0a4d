package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/akinalp/carecall/pkg"
)

// Pinger reports whether the database answers.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// OnlineCounter reports how many participants hold a connection.
type OnlineCounter interface {
	GetOnlineUserIDs() []string
}

type HealthHandler struct {
	db     Pinger
	online OnlineCounter
}

func NewHealthHandler(db Pinger, online OnlineCounter) *HealthHandler {
	return &HealthHandler{db: db, online: online}
}

// Health answers 200 while the database is reachable.
//
//	GET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		pkg.ErrorWithMessage(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}

	pkg.JSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "carecall",
		"online":  len(h.online.GetOnlineUserIDs()),
	})
}
