package handler

import (
	"strconv"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/service"
	"github.com/gin-gonic/gin"
)

type InspectionHandler struct {
	svc *service.InspectionService
}

func NewInspectionHandler(svc *service.InspectionService) *InspectionHandler {
	return &InspectionHandler{svc: svc}
}

// CreateTemplate POST /checklist-templates
func (h *InspectionHandler) CreateTemplate(c *gin.Context) {
	var input service.TemplateInput
	if !bindJSON(c, &input) {
		return
	}
	tpl, err := h.svc.CreateTemplate(c.Request.Context(), input)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Created(c, tpl)
}

// ListTemplates GET /checklist-templates?gate_type=
func (h *InspectionHandler) ListTemplates(c *gin.Context) {
	items, err := h.svc.ListTemplates(c.Request.Context(), c.Query("gate_type"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

// GetTemplate GET /checklist-templates/:id
func (h *InspectionHandler) GetTemplate(c *gin.Context) {
	tpl, err := h.svc.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, tpl)
}

// OpenGate POST /gates
func (h *InspectionHandler) OpenGate(c *gin.Context) {
	var input service.OpenGateInput
	if !bindJSON(c, &input) {
		return
	}
	gate, err := h.svc.OpenGate(c.Request.Context(), GetActor(c), input)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Created(c, gate)
}

// GetGate GET /gates/:id
func (h *InspectionHandler) GetGate(c *gin.Context) {
	gate, err := h.svc.GetGate(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gate)
}

// ListGates GET /gates?project_id=&phase=
func (h *InspectionHandler) ListGates(c *gin.Context) {
	projectID := c.Query("project_id")
	if projectID == "" {
		BadRequest(c, "project_id 不能为空")
		return
	}
	phase := 0
	if p := c.Query("phase"); p != "" {
		v, err := strconv.Atoi(p)
		if err != nil || v < 1 {
			BadRequest(c, "phase 必须为正整数")
			return
		}
		phase = v
	}
	items, err := h.svc.ListGates(c.Request.Context(), projectID, phase)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

// RecordItemResult PUT /gate-items/:id/result
func (h *InspectionHandler) RecordItemResult(c *gin.Context) {
	var input service.RecordItemInput
	if !bindJSON(c, &input) {
		return
	}
	item, err := h.svc.RecordItemResult(c.Request.Context(), GetActor(c), c.Param("id"), input)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, item)
}

// CloseGate POST /gates/:id/close
// 返回关闭后的质量门和本次生成的缺陷
func (h *InspectionHandler) CloseGate(c *gin.Context) {
	gate, defects, err := h.svc.CloseGate(c.Request.Context(), GetActor(c), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"gate": gate, "defects": defects})
}
