package flood

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianrt/meridian/server/status"
)

type Status struct {
	engine *Engine
}

func NewStatus(engine *Engine) *Status {
	return &Status{
		engine: engine,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/queue", s.queueRoute)
	group.GET("/senders", s.sendersRoute)
}

func (s *Status) queueRoute(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"len": s.engine.QueueLen(),
	})
}

func (s *Status) sendersRoute(c *gin.Context) {
	s.engine.mu.Lock()
	peers := make([]string, 0, len(s.engine.senders))
	for sender := range s.engine.senders {
		peers = append(peers, sender.PeerID())
	}
	s.engine.mu.Unlock()

	c.JSON(http.StatusOK, peers)
}

var _ status.Handler = &Status{}
