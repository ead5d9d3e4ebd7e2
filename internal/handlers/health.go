package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	api "github.com/coff33ninja/LANRage-sub004/pkg/api/harbormaster"
	"github.com/coff33ninja/LANRage-sub004/pkg/version"
)

var startTime = time.Now()

// Health answers GET / with service identity and uptime.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{
		Service: "harbormaster",
		Status:  "healthy",
		Version: version.Version,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
	})
}
