package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prepmate/roomsync/internal/config"
	"github.com/prepmate/roomsync/internal/domain"
)

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.GET("/ws/session", func(c *gin.Context) {
		ctl.HandleSession(ctx, c)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctl.Rooms.List())
	})

	api.DELETE("/rooms/:id", func(c *gin.Context) {
		id := domain.SessionID(c.Param("id"))
		room, ok := ctl.Rooms.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		room.Close("room closed by operator")
		ctl.Rooms.Drop(id)
		c.Status(http.StatusNoContent)
	})

	return r
}
