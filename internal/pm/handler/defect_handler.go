package handler

import (
	"github.com/bitfantasy/nimo-phasegate/internal/pm/service"
	"github.com/gin-gonic/gin"
)

type DefectHandler struct {
	svc *service.DefectService
}

func NewDefectHandler(svc *service.DefectService) *DefectHandler {
	return &DefectHandler{svc: svc}
}

// Report POST /defects
func (h *DefectHandler) Report(c *gin.Context) {
	var input service.ReportDefectInput
	if !bindJSON(c, &input) {
		return
	}
	d, err := h.svc.ReportDefect(c.Request.Context(), GetActor(c), input)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Created(c, d)
}

// Get GET /defects/:id
func (h *DefectHandler) Get(c *gin.Context) {
	d, err := h.svc.GetDefect(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, d)
}

// ListOpen GET /defects/open?project_id=|gate_id=
func (h *DefectHandler) ListOpen(c *gin.Context) {
	var filter service.DefectFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	items, err := h.svc.ListOpenDefects(c.Request.Context(), filter)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": items, "total": len(items)})
}

// ListByGate GET /gates/:id/defects
func (h *DefectHandler) ListByGate(c *gin.Context) {
	result, err := h.svc.ListGateDefects(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, result)
}

// UpdateStatus PUT /defects/:id/status
func (h *DefectHandler) UpdateStatus(c *gin.Context) {
	var input service.UpdateDefectStatusInput
	if !bindJSON(c, &input) {
		return
	}
	d, err := h.svc.UpdateStatus(c.Request.Context(), GetActor(c), c.Param("id"), input)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, d)
}

type assignRequest struct {
	AssignedTo string `json:"assigned_to" binding:"required"`
}

// Assign PUT /defects/:id/assign
func (h *DefectHandler) Assign(c *gin.Context) {
	var req assignRequest
	if !bindJSON(c, &req) {
		return
	}
	d, err := h.svc.AssignDefect(c.Request.Context(), GetActor(c), c.Param("id"), req.AssignedTo)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, d)
}
