package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// PeerHandler exposes the advisory peer membership.
type PeerHandler struct {
	peers PeerView
}

// NewPeerHandler creates a new PeerHandler.
func NewPeerHandler(peers PeerView) *PeerHandler {
	return &PeerHandler{peers: peers}
}

// Register mounts the peer routes on the given router group.
func (h *PeerHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/peers", h.List)
}

// List handles GET /peers.
func (h *PeerHandler) List(c *gin.Context) {
	ids := h.peers.Peers()
	c.JSON(http.StatusOK, gin.H{
		"peer_count": len(ids),
		"peers":      ids,
	})
}
