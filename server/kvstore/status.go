package kvstore

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianrt/meridian/server/status"
)

type Status struct {
	store *Store
}

func NewStatus(store *Store) *Status {
	return &Status{
		store: store,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/areas", s.listAreasRoute)
	group.GET("/areas/:area", s.dumpAreaRoute)
	group.GET("/areas/:area/keys/:key", s.getKeyRoute)
}

func (s *Status) listAreasRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Areas())
}

func (s *Status) dumpAreaRoute(c *gin.Context) {
	areaID := c.Param("area")
	prefix := c.Query("prefix")
	c.JSON(http.StatusOK, s.store.Dump(areaID, prefix))
}

func (s *Status) getKeyRoute(c *gin.Context) {
	areaID := c.Param("area")
	key := c.Param("key")
	value, ok := s.store.Get(areaID, key)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, value)
}

var _ status.Handler = &Status{}
