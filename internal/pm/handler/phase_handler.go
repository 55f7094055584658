package handler

import (
	"github.com/bitfantasy/nimo-phasegate/internal/pm/service"
	"github.com/gin-gonic/gin"
)

type PhaseHandler struct {
	svc *service.PhaseService
}

func NewPhaseHandler(svc *service.PhaseService) *PhaseHandler {
	return &PhaseHandler{svc: svc}
}

// Get GET /projects/:id/phase
func (h *PhaseHandler) Get(c *gin.Context) {
	pp, err := h.svc.GetProjectPhase(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, pp)
}

// Conditions GET /projects/:id/conditions
// 只读预览当前阶段门控条件
func (h *PhaseHandler) Conditions(c *gin.Context) {
	preview, err := h.svc.EvaluateConditions(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, preview)
}

// ListTransitions GET /projects/:id/transitions
func (h *PhaseHandler) ListTransitions(c *gin.Context) {
	items, err := h.svc.ListTransitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

// ExportTransitions GET /projects/:id/transitions/export
func (h *PhaseHandler) ExportTransitions(c *gin.Context) {
	f, filename, err := h.svc.ExportTransitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		c.Error(err)
	}
}

// Kickoff POST /projects/:id/kickoff
func (h *PhaseHandler) Kickoff(c *gin.Context) {
	var input service.StartProjectInput
	if c.Request.ContentLength > 0 && !bindJSON(c, &input) {
		return
	}
	pp, err := h.svc.StartProject(c.Request.Context(), GetActor(c), c.Param("id"), input)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Created(c, pp)
}

// Advance POST /projects/:id/advance
// 条件不满足时返回 200 且 status=blocked，blocking_reasons 列出原因
func (h *PhaseHandler) Advance(c *gin.Context) {
	pp, err := h.svc.RequestAdvance(c.Request.Context(), GetActor(c), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, pp)
}

// Rollback POST /projects/:id/rollback
func (h *PhaseHandler) Rollback(c *gin.Context) {
	var input service.RollbackInput
	if !bindJSON(c, &input) {
		return
	}
	pp, err := h.svc.Rollback(c.Request.Context(), GetActor(c), c.Param("id"), input)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, pp)
}

// Skip POST /projects/:id/skip
func (h *PhaseHandler) Skip(c *gin.Context) {
	var input service.SkipInput
	if !bindJSON(c, &input) {
		return
	}
	pp, err := h.svc.SkipPhase(c.Request.Context(), GetActor(c), c.Param("id"), input)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, pp)
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Cancel POST /projects/:id/cancel
func (h *PhaseHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	if !bindJSON(c, &req) {
		return
	}
	pp, err := h.svc.CancelProject(c.Request.Context(), GetActor(c), c.Param("id"), req.Reason)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, pp)
}
