// Package httpapi exposes the control plane the host application uses
// to enable, disable, and manage per-room transcription.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"example.com/livetranscription/internal/errs"
	"example.com/livetranscription/internal/registry"
)

// NewRouter builds the gin engine wired to reg, logging every request
// through log rather than gin's default writer.
func NewRouter(reg *registry.Registry, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap(log), gin.Recovery())

	r.POST("/rooms/:token/enable", enableHandler(reg))
	r.POST("/rooms/:token/disable", disableHandler(reg))
	r.POST("/rooms/:token/language", languageHandler(reg))
	r.POST("/rooms/:token/leave", leaveHandler(reg))
	r.GET("/rooms", statusHandler(reg))

	return r
}

func ginzap(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

type enableRequest struct {
	NCSessionID string `json:"nc_session_id" binding:"required"`
	Language    string `json:"language" binding:"required"`
}

func enableHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req enableRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := reg.Enable(c.Request.Context(), c.Param("token"), req.NCSessionID, req.Language); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type disableRequest struct {
	NCSessionID string `json:"nc_session_id" binding:"required"`
}

func disableHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req disableRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := reg.Disable(c.Param("token"), req.NCSessionID); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type languageRequest struct {
	Language string `json:"language" binding:"required"`
}

func languageHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req languageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := reg.SetLanguage(c.Param("token"), req.Language); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func leaveHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := reg.Leave(c.Param("token")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func statusHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": reg.Status()})
	}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
