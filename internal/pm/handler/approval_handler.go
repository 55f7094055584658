package handler

import (
	"github.com/bitfantasy/nimo-phasegate/internal/pm/service"
	"github.com/gin-gonic/gin"
)

type ApprovalHandler struct {
	svc    *service.ApprovalService
	ledger *service.LedgerService
}

func NewApprovalHandler(svc *service.ApprovalService, ledger *service.LedgerService) *ApprovalHandler {
	return &ApprovalHandler{svc: svc, ledger: ledger}
}

// Create POST /approvals
func (h *ApprovalHandler) Create(c *gin.Context) {
	var input service.CreateApprovalInput
	if !bindJSON(c, &input) {
		return
	}
	approval, err := h.svc.CreateApproval(c.Request.Context(), GetActor(c), input)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Created(c, approval)
}

// Get GET /approvals/:id
func (h *ApprovalHandler) Get(c *gin.Context) {
	approval, err := h.svc.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, approval)
}

// List GET /approvals?project_id=&status=
func (h *ApprovalHandler) List(c *gin.Context) {
	projectID := c.Query("project_id")
	if projectID == "" {
		BadRequest(c, "project_id 不能为空")
		return
	}
	items, err := h.svc.ListApprovals(c.Request.Context(), projectID, c.Query("status"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

type cancelApprovalRequest struct {
	Reason string `json:"reason"`
}

// Cancel POST /approvals/:id/cancel
func (h *ApprovalHandler) Cancel(c *gin.Context) {
	var req cancelApprovalRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	approval, err := h.svc.CancelApproval(c.Request.Context(), GetActor(c), c.Param("id"), req.Reason)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, approval)
}

// Decide POST /approval-steps/:id/decision
func (h *ApprovalHandler) Decide(c *gin.Context) {
	var input service.RecordDecisionInput
	if !bindJSON(c, &input) {
		return
	}
	step, err := h.ledger.RecordDecision(c.Request.Context(), GetActor(c), c.Param("id"), input)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, step)
}

// Reassign PUT /approval-steps/:id/approver
func (h *ApprovalHandler) Reassign(c *gin.Context) {
	var input service.ReassignApproverInput
	if !bindJSON(c, &input) {
		return
	}
	step, err := h.svc.ReassignApprover(c.Request.Context(), GetActor(c), c.Param("id"), input)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, step)
}
