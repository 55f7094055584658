package service

import (
	"context"
	"fmt"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/lock"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/policy"
	"go.uber.org/zap"
)

// LedgerService 审批意见台账：记录每个审批人的决定
type LedgerService struct {
	*core
	controller *ApprovalService
}

// RecordDecisionInput 审批意见
type RecordDecisionInput struct {
	Decision      string `json:"decision" binding:"required"`
	Comments      string `json:"comments"`
	SignatureData string `json:"signature_data"`
}

// RecordDecision 记录审批人对某一步的决定，并在同一事务内推进审批单。
// 重复提交、非当前步骤、非指定审批人都会被拒绝，不产生任何写入。
func (s *LedgerService) RecordDecision(ctx context.Context, actor Actor, stepID string, input RecordDecisionInput) (*entity.ApprovalStep, error) {
	current, err := s.repos.Approval.FindStep(ctx, stepID)
	if err != nil {
		return nil, findErr(err, "审批步骤")
	}
	owner, err := s.repos.Approval.FindByID(ctx, current.ApprovalID)
	if err != nil {
		return nil, findErr(err, "审批单")
	}

	keys := []string{lock.ApprovalKey(owner.ID), lock.ProjectKey(owner.ProjectID)}
	var result *entity.ApprovalStep
	err = s.run(ctx, actor, keys, func(u *UnitOfWork) error {
		approval, err := u.Repos.Approval.FindForUpdate(ctx, owner.ID)
		if err != nil {
			return findErr(err, "审批单")
		}
		var step *entity.ApprovalStep
		for i := range approval.Steps {
			if approval.Steps[i].ID == stepID {
				step = &approval.Steps[i]
				break
			}
		}
		if step == nil {
			return fmt.Errorf("%w: 审批步骤不存在", ErrNotFound)
		}

		if err := guardErr(policy.CanDecideStep(policy.StepDecisionContext{
			WorkflowType:         approval.WorkflowType,
			ApprovalStatus:       approval.Status,
			CurrentStep:          approval.CurrentStep,
			StepNumber:           step.StepNumber,
			StepStatus:           step.Status,
			Decision:             input.Decision,
			IsDesignatedApprover: s.identity.CanActFor(ctx, actor, step.ApproverID, step.ApproverRole),
		})); err != nil {
			return err
		}

		now := u.Now
		step.Status = input.Decision
		step.DecidedAt = &now
		step.DecidedBy = actor.UserID
		step.Comments = input.Comments
		step.SignatureData = input.SignatureData
		if err := u.Repos.Approval.SaveStep(ctx, step); err != nil {
			return fmt.Errorf("保存审批意见失败: %w", err)
		}

		if err := s.controller.onStepDecided(ctx, u, approval, step); err != nil {
			return err
		}
		decided := *step
		result = &decided
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Decision(result.Status)
	s.logger.Info("approval decision recorded",
		zap.String("approval_id", result.ApprovalID),
		zap.Int("step_number", result.StepNumber),
		zap.String("decision", result.Status),
		zap.String("decided_by", result.DecidedBy),
	)
	return result, nil
}
