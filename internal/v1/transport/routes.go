package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Root answers GET / with a plain-text service banner.
func (h *Hub) Root(c *gin.Context) {
	c.String(http.StatusOK, "Zeal CRDT Server Running")
}

// Stats answers GET /stats with a room/client count breakdown.
func (h *Hub) Stats(c *gin.Context) {
	rooms, totalClients, detail := h.registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":       "running",
		"rooms":        rooms,
		"totalClients": totalClients,
		"roomDetails":  detail,
	})
}
