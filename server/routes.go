package server

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/health", s.health)

	api := r.Group("/api/v1")

	api.POST("/cases/:caseId/documents", s.ingestDocument)
	api.POST("/cases/:caseId/search", s.search)
	api.POST("/cases/:caseId/reports", s.startReport)

	api.POST("/documents/:id/retry", s.retryDocument)
	api.DELETE("/documents/:id", s.deleteDocument)

	api.GET("/reports/:id", s.reportStatus)
	api.GET("/reports/:id/content", s.reportContent)
	api.GET("/reports/:id/ws", s.watchReport)
	api.POST("/reports/:id/sections/:sectionId/regenerate", s.regenerateSection)

	api.GET("/cache/stats", s.cacheStats)
}
