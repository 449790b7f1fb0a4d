package main

import (
	"github.com/akinalp/carecall/config"
	"github.com/akinalp/carecall/database"
	"github.com/akinalp/carecall/handlers"
	"github.com/akinalp/carecall/pkg/iceconfig"
	"github.com/akinalp/carecall/ws"
)

// Handlers holds every HTTP handler.
type Handlers struct {
	Auth   *handlers.AuthHandler
	Call   *handlers.CallHandler
	ICE    *handlers.ICEHandler
	Health *handlers.HealthHandler
	WS     *ws.Handler
}

// initHandlers builds the handlers. The ICE list is read once at startup.
func initHandlers(svcs *Services, limiters *RateLimiters, hub *ws.Hub, db *database.DB, cfg *config.Config) (*Handlers, error) {
	ice := iceconfig.Default()
	if cfg.ICE.ConfigFile != "" {
		loaded, err := iceconfig.Load(cfg.ICE.ConfigFile)
		if err != nil {
			return nil, err
		}
		ice = loaded
	}

	return &Handlers{
		Auth:   handlers.NewAuthHandler(svcs.Auth, limiters.DevToken),
		Call:   handlers.NewCallHandler(svcs.History, svcs.Fallback),
		ICE:    handlers.NewICEHandler(ice),
		Health: handlers.NewHealthHandler(db.Conn, hub),
		WS:     ws.NewHandler(hub, svcs.Auth),
	}, nil
}
