package service

import (
	"context"
	"fmt"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/lock"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/policy"
	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ApprovalService 审批流控制：汇总步骤结果，决定审批单通过或驳回
type ApprovalService struct {
	*core
	signals *Signals
}

// ApproverEntry 审批链中的一个审批人
type ApproverEntry struct {
	ApproverID   string `json:"approver_id"`
	ApproverRole string `json:"approver_role"`
}

// CreateApprovalInput 发起审批
type CreateApprovalInput struct {
	ProjectID     string          `json:"project_id" binding:"required"`
	ApprovalType  string          `json:"approval_type" binding:"required"`
	ReferenceID   string          `json:"reference_id"`
	Title         string          `json:"title"`
	WorkflowType  string          `json:"workflow_type" binding:"required"`
	FileURL       string          `json:"file_url"`
	ApproverChain []ApproverEntry `json:"approver_chain" binding:"required"`
}

// CreateApproval 创建审批单，审批链中每个审批人一个步骤，按顺序编号
func (s *ApprovalService) CreateApproval(ctx context.Context, actor Actor, input CreateApprovalInput) (*entity.WorkflowApproval, error) {
	if input.ProjectID == "" || input.ApprovalType == "" {
		return nil, validationErr("project_id 和 approval_type 不能为空")
	}
	if input.WorkflowType != entity.WorkflowSequential && input.WorkflowType != entity.WorkflowParallel {
		return nil, validationErr("workflow_type 必须为 sequential 或 parallel，当前为 %q", input.WorkflowType)
	}
	if len(input.ApproverChain) == 0 {
		return nil, validationErr("审批链不能为空")
	}
	for i, a := range input.ApproverChain {
		if a.ApproverID == "" && a.ApproverRole == "" {
			return nil, validationErr("审批链第%d位缺少审批人或审批角色", i+1)
		}
	}

	approvalID := uuid.New().String()
	var approval *entity.WorkflowApproval
	keys := []string{lock.ApprovalKey(approvalID), lock.CodeKey("approval:" + input.ProjectID)}
	err := s.run(ctx, actor, keys, func(u *UnitOfWork) error {
		approval = &entity.WorkflowApproval{
			ID:           approvalID,
			ProjectID:    input.ProjectID,
			ApprovalType: input.ApprovalType,
			ReferenceID:  input.ReferenceID,
			Title:        input.Title,
			WorkflowType: input.WorkflowType,
			CurrentStep:  1,
			Status:       entity.ApprovalStatusPending,
			FileURL:      input.FileURL,
			RequestedBy:  actor.UserID,
			CreatedAt:    u.Now,
		}
		for i, a := range input.ApproverChain {
			approval.Steps = append(approval.Steps, entity.ApprovalStep{
				ID:           uuid.New().String(),
				ApprovalID:   approvalID,
				StepNumber:   i + 1,
				ApproverID:   a.ApproverID,
				ApproverRole: a.ApproverRole,
				Status:       entity.StepStatusPending,
				CreatedAt:    u.Now,
			})
		}
		if err := u.Repos.Approval.Create(ctx, approval); err != nil {
			return fmt.Errorf("创建审批单失败: %w", err)
		}
		s.notifyActionable(u, approval)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("approval created",
		zap.String("approval_id", approval.ID),
		zap.String("project_id", approval.ProjectID),
		zap.String("approval_type", approval.ApprovalType),
		zap.String("workflow_type", approval.WorkflowType),
		zap.Int("steps", len(approval.Steps)),
	)
	return approval, nil
}

// onStepDecided 一个步骤刚被记录决定后重新计算审批单状态（在账本的事务内调用）
func (s *ApprovalService) onStepDecided(ctx context.Context, u *UnitOfWork, approval *entity.WorkflowApproval, step *entity.ApprovalStep) error {
	var outcome policy.ApprovalOutcome
	switch approval.WorkflowType {
	case entity.WorkflowSequential:
		outcome = policy.NextSequential(approval.CurrentStep, len(approval.Steps), step.Status)
		approval.CurrentStep = outcome.CurrentStep
	default:
		statuses := make([]string, len(approval.Steps))
		for i := range approval.Steps {
			if approval.Steps[i].ID == step.ID {
				approval.Steps[i] = *step
			}
			statuses[i] = approval.Steps[i].Status
		}
		outcome = policy.AggregateParallel(statuses)
	}

	approval.Status = outcome.Status
	if outcome.Completed {
		now := u.Now
		approval.CompletedAt = &now
	}
	if outcome.SkipRemaining {
		if _, err := u.Repos.Approval.SkipPendingSteps(ctx, approval.ID); err != nil {
			return fmt.Errorf("跳过剩余审批步骤失败: %w", err)
		}
		for i := range approval.Steps {
			if approval.Steps[i].Status == entity.StepStatusPending && approval.Steps[i].ID != step.ID {
				approval.Steps[i].Status = entity.StepStatusSkipped
			}
		}
	}
	if err := u.Repos.Approval.Save(ctx, approval); err != nil {
		return fmt.Errorf("更新审批单失败: %w", err)
	}

	if !outcome.Completed {
		if approval.WorkflowType == entity.WorkflowSequential {
			s.notifyActionable(u, approval)
		}
		return nil
	}

	s.metrics.ApprovalCompleted(approval.Status)
	u.Notify(notify.Notification{
		Event:        notify.EventApprovalCompleted,
		ProjectID:    approval.ProjectID,
		ResourceType: "approval",
		ResourceID:   approval.ID,
		Recipients:   []string{approval.RequestedBy},
		Title:        fmt.Sprintf("审批[%s]已%s", approval.ApprovalType, approvalStatusText(approval.Status)),
		Payload: map[string]interface{}{
			"approval_type": approval.ApprovalType,
			"reference_id":  approval.ReferenceID,
			"outcome":       approval.Status,
		},
	})
	return s.signals.emitWorkflowCompleted(ctx, u, WorkflowCompleted{
		ApprovalID:   approval.ID,
		ProjectID:    approval.ProjectID,
		ApprovalType: approval.ApprovalType,
		ReferenceID:  approval.ReferenceID,
		Outcome:      approval.Status,
		CreatedAt:    approval.CreatedAt,
	})
}

// notifyActionable 通知当前可审批的审批人：依次审批只通知当前步骤，会签通知全部待审步骤
func (s *ApprovalService) notifyActionable(u *UnitOfWork, approval *entity.WorkflowApproval) {
	for _, step := range approval.Steps {
		if step.Status != entity.StepStatusPending {
			continue
		}
		if approval.WorkflowType == entity.WorkflowSequential && step.StepNumber != approval.CurrentStep {
			continue
		}
		var recipients []string
		if step.ApproverID != "" {
			recipients = []string{step.ApproverID}
		}
		u.Notify(notify.Notification{
			Event:        notify.EventApprovalStepPending,
			ProjectID:    approval.ProjectID,
			ResourceType: "approval_step",
			ResourceID:   step.ID,
			Recipients:   recipients,
			Title:        fmt.Sprintf("待审批: %s", approvalTitle(approval)),
			Payload: map[string]interface{}{
				"approval_id":   approval.ID,
				"step_number":   step.StepNumber,
				"approver_role": step.ApproverRole,
			},
		})
	}
}

// CancelApproval 取消待审批的审批单，未决步骤全部置为 skipped
func (s *ApprovalService) CancelApproval(ctx context.Context, actor Actor, approvalID, reason string) (*entity.WorkflowApproval, error) {
	var approval *entity.WorkflowApproval
	err := s.run(ctx, actor, []string{lock.ApprovalKey(approvalID)}, func(u *UnitOfWork) error {
		a, err := u.Repos.Approval.FindForUpdate(ctx, approvalID)
		if err != nil {
			return findErr(err, "审批单")
		}
		if !s.canManage(ctx, actor, a) {
			return fmt.Errorf("%w: 仅发起人或项目经理可取消审批", ErrNotAuthorized)
		}
		if err := guardErr(policy.CanCancelApproval(a.Status)); err != nil {
			return err
		}
		a.Status = entity.ApprovalStatusCancelled
		a.CancelReason = reason
		if _, err := u.Repos.Approval.SkipPendingSteps(ctx, a.ID); err != nil {
			return fmt.Errorf("跳过待审步骤失败: %w", err)
		}
		for i := range a.Steps {
			if a.Steps[i].Status == entity.StepStatusPending {
				a.Steps[i].Status = entity.StepStatusSkipped
			}
		}
		if err := u.Repos.Approval.Save(ctx, a); err != nil {
			return fmt.Errorf("取消审批单失败: %w", err)
		}
		u.Notify(notify.Notification{
			Event:        notify.EventApprovalCancelled,
			ProjectID:    a.ProjectID,
			ResourceType: "approval",
			ResourceID:   a.ID,
			Title:        fmt.Sprintf("审批已取消: %s", approvalTitle(a)),
			Message:      reason,
		})
		approval = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approval, nil
}

// canManage 发起人、项目经理或管理员
func (s *ApprovalService) canManage(ctx context.Context, actor Actor, a *entity.WorkflowApproval) bool {
	return s.identity.CanActFor(ctx, actor, a.RequestedBy, RoleProjectManager)
}

// ReassignApproverInput 调整审批人
type ReassignApproverInput struct {
	ApproverID   string `json:"approver_id"`
	ApproverRole string `json:"approver_role"`
}

// ReassignApprover 更换某一步的审批人；任一步骤已有决定后审批链不可再改
func (s *ApprovalService) ReassignApprover(ctx context.Context, actor Actor, stepID string, input ReassignApproverInput) (*entity.ApprovalStep, error) {
	if input.ApproverID == "" && input.ApproverRole == "" {
		return nil, validationErr("审批人或审批角色不能为空")
	}
	current, err := s.repos.Approval.FindStep(ctx, stepID)
	if err != nil {
		return nil, findErr(err, "审批步骤")
	}

	var result *entity.ApprovalStep
	err = s.run(ctx, actor, []string{lock.ApprovalKey(current.ApprovalID)}, func(u *UnitOfWork) error {
		a, err := u.Repos.Approval.FindForUpdate(ctx, current.ApprovalID)
		if err != nil {
			return findErr(err, "审批单")
		}
		if !s.canManage(ctx, actor, a) {
			return fmt.Errorf("%w: 仅发起人或项目经理可调整审批人", ErrNotAuthorized)
		}
		statuses := make([]string, len(a.Steps))
		var step *entity.ApprovalStep
		for i := range a.Steps {
			statuses[i] = a.Steps[i].Status
			if a.Steps[i].ID == stepID {
				step = &a.Steps[i]
			}
		}
		if step == nil {
			return fmt.Errorf("%w: 审批步骤不存在", ErrNotFound)
		}
		if err := guardErr(policy.CanReassignApprover(a.Status, statuses)); err != nil {
			return err
		}
		step.ApproverID = input.ApproverID
		step.ApproverRole = input.ApproverRole
		if err := u.Repos.Approval.SaveStep(ctx, step); err != nil {
			return fmt.Errorf("更新审批人失败: %w", err)
		}
		s.notifyActionable(u, a)
		result = step
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetApproval 查询审批单（含步骤），附件地址换成可下载地址
func (s *ApprovalService) GetApproval(ctx context.Context, approvalID string) (*entity.WorkflowApproval, error) {
	approval, err := s.repos.Approval.FindByID(ctx, approvalID)
	if err != nil {
		return nil, findErr(err, "审批单")
	}
	if approval.FileURL != "" {
		if u, err := s.files.PresignGet(ctx, approval.FileURL); err == nil {
			approval.FileURL = u
		} else {
			s.logger.Warn("presign approval file failed", zap.String("approval_id", approvalID), zap.Error(err))
		}
	}
	return approval, nil
}

// ListApprovals 按项目、状态查询审批单
func (s *ApprovalService) ListApprovals(ctx context.Context, projectID, status string) ([]entity.WorkflowApproval, error) {
	items, err := s.repos.Approval.List(ctx, projectID, status)
	if err != nil {
		return nil, fmt.Errorf("查询审批单失败: %w", err)
	}
	return items, nil
}

func approvalTitle(a *entity.WorkflowApproval) string {
	if a.Title != "" {
		return a.Title
	}
	return a.ApprovalType
}

func approvalStatusText(status string) string {
	switch status {
	case entity.ApprovalStatusApproved:
		return "通过"
	case entity.ApprovalStatusRejected:
		return "驳回"
	case entity.ApprovalStatusCancelled:
		return "取消"
	}
	return status
}
