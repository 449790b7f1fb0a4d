package handlers

import (
	"net/http"

	"github.com/akinalp/carecall/pkg"
	"github.com/akinalp/carecall/pkg/iceconfig"
)

// ICEHandler publishes the STUN/TURN servers clients should use.
type ICEHandler struct {
	servers []iceconfig.Server
}

func NewICEHandler(cfg *iceconfig.Config) *ICEHandler {
	return &ICEHandler{servers: cfg.Servers}
}

// List returns the ICE servers in RTCIceServer shape.
//
//	GET /api/ice-servers
func (h *ICEHandler) List(w http.ResponseWriter, r *http.Request) {
	pkg.JSON(w, http.StatusOK, map[string]any{"ice_servers": h.servers})
}
