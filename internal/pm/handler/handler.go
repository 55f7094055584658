package handler

import (
	"errors"
	"strconv"

	"github.com/bitfantasy/nimo-phasegate/internal/middleware"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/service"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/sse"
	"github.com/gin-gonic/gin"
)

// RoleProjectManager 推进、回退、跳过、取消项目等运维操作需要的角色
const RoleProjectManager = service.RoleProjectManager

// Handlers 处理器集合
type Handlers struct {
	Phase      *PhaseHandler
	Approval   *ApprovalHandler
	Inspection *InspectionHandler
	Defect     *DefectHandler
	SSE        *SSEHandler
}

// NewHandlers 创建处理器集合
func NewHandlers(svc *service.Services, hub *sse.Hub) *Handlers {
	return &Handlers{
		Phase:      NewPhaseHandler(svc.Phase),
		Approval:   NewApprovalHandler(svc.Approval, svc.Ledger),
		Inspection: NewInspectionHandler(svc.Inspection),
		Defect:     NewDefectHandler(svc.Defect),
		SSE:        NewSSEHandler(hub),
	}
}

// RegisterRoutes 注册 /api/v1 下的全部路由，api 需已挂载 JWT 认证
func RegisterRoutes(api *gin.RouterGroup, h *Handlers) {
	manager := middleware.RequireRole(RoleProjectManager)

	projects := api.Group("/projects/:id")
	{
		projects.GET("/phase", h.Phase.Get)
		projects.GET("/conditions", h.Phase.Conditions)
		projects.GET("/transitions", h.Phase.ListTransitions)
		projects.GET("/transitions/export", h.Phase.ExportTransitions)
		projects.POST("/kickoff", manager, h.Phase.Kickoff)
		projects.POST("/advance", manager, h.Phase.Advance)
		projects.POST("/rollback", manager, h.Phase.Rollback)
		projects.POST("/skip", manager, h.Phase.Skip)
		projects.POST("/cancel", manager, h.Phase.Cancel)
	}

	approvals := api.Group("/approvals")
	{
		approvals.GET("", h.Approval.List)
		approvals.POST("", h.Approval.Create)
		approvals.GET("/:id", h.Approval.Get)
		approvals.POST("/:id/cancel", h.Approval.Cancel)
	}
	steps := api.Group("/approval-steps")
	{
		steps.POST("/:id/decision", h.Approval.Decide)
		steps.PUT("/:id/approver", h.Approval.Reassign)
	}

	templates := api.Group("/checklist-templates")
	{
		templates.GET("", h.Inspection.ListTemplates)
		templates.GET("/:id", h.Inspection.GetTemplate)
		templates.POST("", manager, h.Inspection.CreateTemplate)
	}
	gates := api.Group("/gates")
	{
		gates.GET("", h.Inspection.ListGates)
		gates.POST("", h.Inspection.OpenGate)
		gates.GET("/:id", h.Inspection.GetGate)
		gates.POST("/:id/close", h.Inspection.CloseGate)
		gates.GET("/:id/defects", h.Defect.ListByGate)
	}
	api.PUT("/gate-items/:id/result", h.Inspection.RecordItemResult)

	defects := api.Group("/defects")
	{
		defects.POST("", h.Defect.Report)
		defects.GET("/open", h.Defect.ListOpen)
		defects.GET("/:id", h.Defect.Get)
		defects.PUT("/:id/status", h.Defect.UpdateStatus)
		defects.PUT("/:id/assign", h.Defect.Assign)
	}

	api.GET("/sse/events", h.SSE.Stream)
}

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

// 业务错误码
const (
	CodeValidation             = 40000
	CodeNotAuthorized          = 40300
	CodeNotFound               = 40400
	CodeInvalidState           = 40900
	CodeNotYetActionable       = 40901
	CodeInvalidTransition      = 40902
	CodeAlreadyClosed          = 40903
	CodeConcurrentModification = 40904
	CodeIncompleteChecklist    = 42200
	CodeInternal               = 50000
)

// retryAfterSeconds 并发冲突时建议客户端的重试间隔
const retryAfterSeconds = 1

// errorCode 服务层错误到业务错误码
func errorCode(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return CodeValidation
	case errors.Is(err, service.ErrNotAuthorized):
		return CodeNotAuthorized
	case errors.Is(err, service.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, service.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, service.ErrNotYetActionable):
		return CodeNotYetActionable
	case errors.Is(err, service.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, service.ErrAlreadyClosed):
		return CodeAlreadyClosed
	case errors.Is(err, service.ErrConcurrentModification):
		return CodeConcurrentModification
	case errors.Is(err, service.ErrIncompleteChecklist):
		return CodeIncompleteChecklist
	}
	return CodeInternal
}

// ServiceError 按错误类型返回对应错误码
func ServiceError(c *gin.Context, err error) {
	code := errorCode(err)
	if code == CodeConcurrentModification {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if code == CodeInternal {
		c.Error(err)
		Error(c, code, "服务器内部错误")
		return
	}
	Error(c, code, err.Error())
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetActor 从认证上下文构造操作人
func GetActor(c *gin.Context) service.Actor {
	return service.Actor{
		UserID: GetUserID(c),
		Name:   c.GetString("user_name"),
		Roles:  c.GetStringSlice("roles"),
	}
}

// bindJSON 绑定失败时已写入 400 响应
func bindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return false
	}
	return true
}
