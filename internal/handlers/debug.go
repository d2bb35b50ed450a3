package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"messaging-core/internal/core"
	"messaging-core/internal/offline"
	"messaging-core/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints for the offline queue and reconciliation.
func RegisterDebugRoutes(router gin.IRouter, c *core.Core, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/queue", func(ctx *gin.Context) {
		ops, err := c.Queue().List()
		if err != nil {
			respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"operations": ops, "online": c.Monitor.Online()})
	})

	router.POST("/debug/queue/drain", func(ctx *gin.Context) {
		n, err := c.Queue().Drain(ctx.Request.Context(), c.Apply)
		resp := gin.H{"applied": n, "remaining": c.Queue().Len()}
		if err != nil {
			stalls := offline.Stalls(err)
			if len(stalls) > 0 {
				for _, s := range stalls {
					emitter.QueueStalled(ctx.Request.Context(), s)
				}
				resp["stalled"] = stallViews(stalls)
			} else {
				resp["error"] = err.Error()
			}
		}
		ctx.JSON(http.StatusOK, resp)
	})

	router.POST("/debug/queue/:op_id/skip", func(ctx *gin.Context) {
		if err := c.Queue().Skip(ctx.Param("op_id")); err != nil {
			respondError(ctx, err)
			return
		}
		c.Monitor.RequestDrain()
		ctx.Status(http.StatusNoContent)
	})

	router.POST("/debug/conversations/:conversation_key/recount", func(ctx *gin.Context) {
		conv, err := c.Conversations.Recount(ctx.Request.Context(), ctx.Param("conversation_key"))
		if err != nil {
			respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, conv)
	})

	router.GET("/debug/audit-test", func(ctx *gin.Context) {
		if emitter == nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(ctx.Request.Context(), "INFO", "audit test", requestIDFromContext(ctx), userIDFromContext(ctx), nil)
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

type stallView struct {
	OpID   string `json:"op_id"`
	Kind   string `json:"kind"`
	Origin string `json:"origin"`
	Error  string `json:"error"`
}

func stallViews(stalls []*offline.QueueStalledError) []stallView {
	return lo.Map(stalls, func(s *offline.QueueStalledError, _ int) stallView {
		return stallView{OpID: s.OpID, Kind: string(s.Kind), Origin: s.Origin, Error: s.Err.Error()}
	})
}
