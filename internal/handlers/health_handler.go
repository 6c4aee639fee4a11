package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by the subscription service.
type Pinger interface {
	Backend() string
	Ping(ctx context.Context) error
}

// Health reports 503 when the primary store cannot be reached.
func Health(serviceName, version string, store Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		storage := gin.H{"backend": store.Backend(), "ok": true}
		if err := store.Ping(ctx); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
			storage["ok"] = false
			storage["error"] = err.Error()
		}

		c.JSON(code, gin.H{
			"status":    status,
			"timestamp": time.Now().UTC(),
			"service":   serviceName,
			"version":   version,
			"storage":   storage,
		})
	}
}
