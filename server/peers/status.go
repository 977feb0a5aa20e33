package peers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianrt/meridian/server/status"
)

type Status struct {
	manager *Manager
}

func NewStatus(manager *Manager) *Status {
	return &Status{
		manager: manager,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/sessions", s.sessionsRoute)
}

func (s *Status) sessionsRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Sessions())
}

var _ status.Handler = &Status{}
