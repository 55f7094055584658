package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/lock"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/policy"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/repository"
	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// PhaseService 阶段流转引擎：项目当前阶段的唯一写入方
type PhaseService struct {
	*core
}

// StartProjectInput 项目启动
type StartProjectInput struct {
	TargetCompletionDate *time.Time `json:"target_completion_date"`
	CurrentStep          string     `json:"current_step"`
}

// StartProject 项目进入第1阶段，写入初始流转记录
func (s *PhaseService) StartProject(ctx context.Context, actor Actor, projectID string, input StartProjectInput) (*entity.ProjectPhase, error) {
	if projectID == "" {
		return nil, validationErr("project_id 不能为空")
	}
	var pp *entity.ProjectPhase
	err := s.run(ctx, actor, []string{lock.ProjectKey(projectID)}, func(u *UnitOfWork) error {
		_, err := u.Repos.Phase.FindByProject(ctx, projectID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: 项目 %s 已启动", ErrInvalidState, projectID)
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("查询项目阶段失败: %w", err)
		}

		pp = &entity.ProjectPhase{
			ProjectID:            projectID,
			CurrentPhase:         1,
			CurrentStep:          optionalString(input.CurrentStep),
			Status:               entity.PhaseStatusActive,
			BlockingReasons:      []string{},
			TargetCompletionDate: input.TargetCompletionDate,
			Version:              1,
			CreatedAt:            u.Now,
		}
		if err := u.Repos.Phase.Create(ctx, pp); err != nil {
			return fmt.Errorf("创建项目阶段失败: %w", err)
		}
		if err := s.appendTransition(ctx, u, pp, nil, nil, entity.TransitionAdvance, map[string]bool{}, ""); err != nil {
			return err
		}
		u.Notify(s.phaseNotification(notify.EventPhaseStarted, pp, fmt.Sprintf("项目 %s 启动，进入%s", projectID, s.phaseName(1))))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("project started", zap.String("project_id", projectID))
	return pp, nil
}

// RequestAdvance 评估当前阶段的全部门控条件：满足则进入下一阶段（超过最后阶段即完成），
// 否则置为 blocked 并记录原因。相同状态下重复调用结果相同。
func (s *PhaseService) RequestAdvance(ctx context.Context, actor Actor, projectID string) (*entity.ProjectPhase, error) {
	var pp *entity.ProjectPhase
	var decision policy.AdvanceDecision
	err := s.run(ctx, actor, []string{lock.ProjectKey(projectID)}, func(u *UnitOfWork) error {
		p, err := u.Repos.Phase.FindForUpdate(ctx, projectID)
		if err != nil {
			return findErr(err, "项目阶段")
		}
		if err := guardErr(policy.CanRequestAdvance(p.Status)); err != nil {
			return err
		}
		eval, err := s.evaluate(ctx, u.Repos, p)
		if err != nil {
			return err
		}
		decision = policy.DecideAdvance(p.CurrentPhase, s.phases.LastPhase(), eval)

		fromPhase, fromStep := p.CurrentPhase, p.CurrentStep
		switch decision.Action {
		case policy.AdvanceBlock:
			p.Status = entity.PhaseStatusBlocked
			p.BlockingReasons = decision.Reasons
		case policy.AdvanceComplete:
			now := u.Now
			p.CurrentPhase = decision.ToPhase
			p.CurrentStep = nil
			p.Status = entity.PhaseStatusCompleted
			p.BlockingReasons = []string{}
			p.ActualCompletionDate = &now
		default:
			p.CurrentPhase = decision.ToPhase
			p.CurrentStep = nil
			p.Status = entity.PhaseStatusActive
			p.BlockingReasons = []string{}
		}
		if err := u.Repos.Phase.Save(ctx, p); err != nil {
			return fmt.Errorf("更新项目阶段失败: %w", err)
		}

		transitionType := entity.TransitionAdvance
		if decision.Action == policy.AdvanceBlock {
			transitionType = entity.TransitionBlock
		}
		if err := s.appendTransition(ctx, u, p, &fromPhase, fromStep, transitionType, eval.ConditionsMet(), ""); err != nil {
			return err
		}

		switch decision.Action {
		case policy.AdvanceBlock:
			u.Notify(s.blockedNotification(p))
		case policy.AdvanceComplete:
			u.Notify(s.phaseNotification(notify.EventProjectCompleted, p, fmt.Sprintf("项目 %s 已完成全部阶段", projectID)))
		default:
			u.Notify(s.phaseNotification(notify.EventPhaseAdvanced, p,
				fmt.Sprintf("项目 %s 从%s进入%s", projectID, s.phaseName(fromPhase), s.phaseName(p.CurrentPhase))))
		}
		pp = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("advance requested",
		zap.String("project_id", projectID),
		zap.String("action", string(decision.Action)),
		zap.Int("current_phase", pp.CurrentPhase),
		zap.Strings("blocking_reasons", pp.BlockingReasons),
	)
	return pp, nil
}

// RollbackInput 阶段回退
type RollbackInput struct {
	ToPhase int    `json:"to_phase" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

// Rollback 运营人员把项目退回到更早的阶段。原有审批和质量门保留为审计记录，
// 但不再作为门控依据，需要重新发起。
func (s *PhaseService) Rollback(ctx context.Context, actor Actor, projectID string, input RollbackInput) (*entity.ProjectPhase, error) {
	var pp *entity.ProjectPhase
	err := s.run(ctx, actor, []string{lock.ProjectKey(projectID)}, func(u *UnitOfWork) error {
		p, err := u.Repos.Phase.FindForUpdate(ctx, projectID)
		if err != nil {
			return findErr(err, "项目阶段")
		}
		if err := guardErr(policy.CanRollback(policy.RollbackContext{
			Status:       p.Status,
			CurrentPhase: p.CurrentPhase,
			ToPhase:      input.ToPhase,
			Reason:       input.Reason,
		})); err != nil {
			return err
		}

		fromPhase, fromStep := p.CurrentPhase, p.CurrentStep
		now := u.Now
		p.CurrentPhase = input.ToPhase
		p.CurrentStep = nil
		p.Status = entity.PhaseStatusActive
		p.BlockingReasons = []string{}
		p.ActualCompletionDate = nil
		p.EvidenceSince = &now
		if err := u.Repos.Phase.Save(ctx, p); err != nil {
			return fmt.Errorf("更新项目阶段失败: %w", err)
		}
		if err := s.appendTransition(ctx, u, p, &fromPhase, fromStep, entity.TransitionRollback, map[string]bool{}, input.Reason); err != nil {
			return err
		}
		n := s.phaseNotification(notify.EventPhaseRolledBack, p,
			fmt.Sprintf("项目 %s 从%s退回%s", projectID, s.phaseName(fromPhase), s.phaseName(p.CurrentPhase)))
		n.Message = input.Reason
		u.Notify(n)
		pp = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("project rolled back",
		zap.String("project_id", projectID),
		zap.Int("to_phase", pp.CurrentPhase),
		zap.String("reason", input.Reason),
		zap.String("by", actor.UserID),
	)
	return pp, nil
}

// SkipInput 跳过阶段
type SkipInput struct {
	ToPhase int    `json:"to_phase" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

// SkipPhase 运营人员越过未满足的条件直接进入后续阶段，条件快照照常记录
func (s *PhaseService) SkipPhase(ctx context.Context, actor Actor, projectID string, input SkipInput) (*entity.ProjectPhase, error) {
	var pp *entity.ProjectPhase
	err := s.run(ctx, actor, []string{lock.ProjectKey(projectID)}, func(u *UnitOfWork) error {
		p, err := u.Repos.Phase.FindForUpdate(ctx, projectID)
		if err != nil {
			return findErr(err, "项目阶段")
		}
		if err := guardErr(policy.CanSkip(policy.SkipContext{
			Status:       p.Status,
			CurrentPhase: p.CurrentPhase,
			ToPhase:      input.ToPhase,
			LastPhase:    s.phases.LastPhase(),
			Reason:       input.Reason,
		})); err != nil {
			return err
		}
		eval, err := s.evaluate(ctx, u.Repos, p)
		if err != nil {
			return err
		}

		fromPhase, fromStep := p.CurrentPhase, p.CurrentStep
		p.CurrentPhase = input.ToPhase
		p.CurrentStep = nil
		p.Status = entity.PhaseStatusActive
		p.BlockingReasons = []string{}
		if err := u.Repos.Phase.Save(ctx, p); err != nil {
			return fmt.Errorf("更新项目阶段失败: %w", err)
		}
		if err := s.appendTransition(ctx, u, p, &fromPhase, fromStep, entity.TransitionSkip, eval.ConditionsMet(), input.Reason); err != nil {
			return err
		}
		n := s.phaseNotification(notify.EventPhaseSkipped, p,
			fmt.Sprintf("项目 %s 从%s跳至%s", projectID, s.phaseName(fromPhase), s.phaseName(p.CurrentPhase)))
		n.Message = input.Reason
		u.Notify(n)
		pp = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pp, nil
}

// CancelProject 终止项目。取消不属于阶段流转，不写流转记录。
func (s *PhaseService) CancelProject(ctx context.Context, actor Actor, projectID, reason string) (*entity.ProjectPhase, error) {
	var pp *entity.ProjectPhase
	err := s.run(ctx, actor, []string{lock.ProjectKey(projectID)}, func(u *UnitOfWork) error {
		p, err := u.Repos.Phase.FindForUpdate(ctx, projectID)
		if err != nil {
			return findErr(err, "项目阶段")
		}
		if err := guardErr(policy.CanCancelProject(p.Status)); err != nil {
			return err
		}
		p.Status = entity.PhaseStatusCancelled
		if err := u.Repos.Phase.Save(ctx, p); err != nil {
			return fmt.Errorf("取消项目失败: %w", err)
		}
		n := s.phaseNotification(notify.EventProjectCancelled, p, fmt.Sprintf("项目 %s 已取消", projectID))
		n.Message = reason
		u.Notify(n)
		pp = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("project cancelled", zap.String("project_id", projectID), zap.String("reason", reason))
	return pp, nil
}

// ConditionView 单个门控条件的评估结果
type ConditionView struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Satisfied bool   `json:"satisfied"`
	Reason    string `json:"reason,omitempty"`
}

// ConditionsPreview 当前阶段门控条件预览
type ConditionsPreview struct {
	ProjectID    string          `json:"project_id"`
	CurrentPhase int             `json:"current_phase"`
	PhaseName    string          `json:"phase_name"`
	Status       string          `json:"status"`
	Satisfied    bool            `json:"satisfied"`
	Conditions   []ConditionView `json:"conditions"`
}

// EvaluateConditions 只读评估当前阶段条件，不写任何记录
func (s *PhaseService) EvaluateConditions(ctx context.Context, projectID string) (*ConditionsPreview, error) {
	pp, err := s.repos.Phase.FindByProject(ctx, projectID)
	if err != nil {
		return nil, findErr(err, "项目阶段")
	}
	eval, err := s.evaluate(ctx, s.repos, pp)
	if err != nil {
		return nil, err
	}
	preview := &ConditionsPreview{
		ProjectID:    projectID,
		CurrentPhase: pp.CurrentPhase,
		PhaseName:    s.phaseName(pp.CurrentPhase),
		Status:       pp.Status,
		Satisfied:    eval.AllSatisfied(),
		Conditions:   make([]ConditionView, 0, len(eval.Results)),
	}
	for _, r := range eval.Results {
		preview.Conditions = append(preview.Conditions, ConditionView{
			Name:      r.Condition.Name(),
			Kind:      string(r.Condition.Kind),
			Satisfied: r.Satisfied,
			Reason:    r.Reason,
		})
	}
	return preview, nil
}

// GetProjectPhase 查询项目阶段
func (s *PhaseService) GetProjectPhase(ctx context.Context, projectID string) (*entity.ProjectPhase, error) {
	pp, err := s.repos.Phase.FindByProject(ctx, projectID)
	if err != nil {
		return nil, findErr(err, "项目阶段")
	}
	return pp, nil
}

// ListTransitions 项目流转日志，按发生顺序
func (s *PhaseService) ListTransitions(ctx context.Context, projectID string) ([]entity.PhaseTransition, error) {
	if _, err := s.repos.Phase.FindByProject(ctx, projectID); err != nil {
		return nil, findErr(err, "项目阶段")
	}
	items, err := s.repos.Phase.ListTransitions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("查询流转记录失败: %w", err)
	}
	return items, nil
}

// ========== 信号处理（在发出方的事务内执行） ==========

func (s *PhaseService) onWorkflowCompleted(ctx context.Context, u *UnitOfWork, e WorkflowCompleted) error {
	return s.applySignal(ctx, u, e.ProjectID, e.Outcome != entity.ApprovalStatusApproved, func(p *entity.ProjectPhase, c policy.Condition) bool {
		return countsAsEvidence(p, e.CreatedAt) && c.MatchesApproval(e.ApprovalType, e.ReferenceID)
	})
}

// onGateClosed 只认当前阶段、evidence_since 之后打开的质量门
func (s *PhaseService) onGateClosed(ctx context.Context, u *UnitOfWork, e GateClosed) error {
	return s.applySignal(ctx, u, e.ProjectID, !e.Passed, func(p *entity.ProjectPhase, c policy.Condition) bool {
		return e.Phase == p.CurrentPhase && countsAsEvidence(p, e.CreatedAt) && c.MatchesGate(e.GateType)
	})
}

// applySignal 子流程结束后重新评估当前阶段：失败信号使项目 blocked，
// 成功信号在条件全部满足时解除 blocked。信号从不推进阶段。
// 来源不属于当前阶段的证据时忽略。
func (s *PhaseService) applySignal(ctx context.Context, u *UnitOfWork, projectID string, failure bool, matches func(*entity.ProjectPhase, policy.Condition) bool) error {
	p, err := u.Repos.Phase.FindForUpdate(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("查询项目阶段失败: %w", err)
	}
	if p.IsTerminal() {
		return nil
	}
	relevant := false
	for _, c := range s.phases.Conditions(p.CurrentPhase) {
		if matches(p, c) {
			relevant = true
			break
		}
	}
	if !relevant {
		return nil
	}

	eval, err := s.evaluate(ctx, u.Repos, p)
	if err != nil {
		return err
	}

	switch {
	case !eval.AllSatisfied() && (failure || p.Status == entity.PhaseStatusBlocked):
		wasBlocked := p.Status == entity.PhaseStatusBlocked
		p.Status = entity.PhaseStatusBlocked
		p.BlockingReasons = eval.Reasons()
		if err := u.Repos.Phase.Save(ctx, p); err != nil {
			return fmt.Errorf("更新项目阶段失败: %w", err)
		}
		if wasBlocked {
			return nil
		}
		phase := p.CurrentPhase
		if err := s.appendTransition(ctx, u, p, &phase, p.CurrentStep, entity.TransitionBlock, eval.ConditionsMet(), ""); err != nil {
			return err
		}
		u.Notify(s.blockedNotification(p))
	case eval.AllSatisfied() && p.Status == entity.PhaseStatusBlocked:
		p.Status = entity.PhaseStatusActive
		p.BlockingReasons = []string{}
		if err := u.Repos.Phase.Save(ctx, p); err != nil {
			return fmt.Errorf("更新项目阶段失败: %w", err)
		}
		phase := p.CurrentPhase
		if err := s.appendTransition(ctx, u, p, &phase, p.CurrentStep, entity.TransitionUnblock, eval.ConditionsMet(), ""); err != nil {
			return err
		}
		u.Notify(s.phaseNotification(notify.EventPhaseUnblocked, p,
			fmt.Sprintf("项目 %s %s门控条件已全部满足", projectID, s.phaseName(p.CurrentPhase))))
	}
	return nil
}

// ========== 条件评估 ==========

// evaluate 按阶段表评估当前阶段的条件；回退后只认 evidence_since 之后创建的审批和质量门
func (s *PhaseService) evaluate(ctx context.Context, repos *repository.Repositories, p *entity.ProjectPhase) (policy.Evaluation, error) {
	var eval policy.Evaluation
	for _, c := range s.phases.Conditions(p.CurrentPhase) {
		switch c.Kind {
		case policy.ConditionApproval:
			ev, err := s.approvalEvidence(ctx, repos, p, c)
			if err != nil {
				return eval, err
			}
			eval.Results = append(eval.Results, policy.EvaluateApproval(c, ev))
		case policy.ConditionGate:
			ev, err := s.gateEvidence(ctx, repos, p, c)
			if err != nil {
				return eval, err
			}
			eval.Results = append(eval.Results, policy.EvaluateGate(c, ev))
		}
	}
	return eval, nil
}

func (s *PhaseService) approvalEvidence(ctx context.Context, repos *repository.Repositories, p *entity.ProjectPhase, c policy.Condition) (policy.ApprovalEvidence, error) {
	items, err := repos.Approval.ListByType(ctx, p.ProjectID, c.ApprovalType, c.ReferenceID)
	if err != nil {
		return policy.ApprovalEvidence{}, fmt.Errorf("查询审批单失败: %w", err)
	}
	for _, a := range items {
		// 已取消的审批单视为撤回，不作为最近一次审批
		if a.Status == entity.ApprovalStatusCancelled || !countsAsEvidence(p, a.CreatedAt) {
			continue
		}
		return policy.ApprovalEvidence{Found: true, ApprovalID: a.ID, Status: a.Status}, nil
	}
	return policy.ApprovalEvidence{}, nil
}

func (s *PhaseService) gateEvidence(ctx context.Context, repos *repository.Repositories, p *entity.ProjectPhase, c policy.Condition) (policy.GateEvidence, error) {
	items, err := repos.Gate.ListByType(ctx, p.ProjectID, p.CurrentPhase, c.GateType)
	if err != nil {
		return policy.GateEvidence{}, fmt.Errorf("查询质量门失败: %w", err)
	}
	for _, g := range items {
		if !countsAsEvidence(p, g.CreatedAt) {
			continue
		}
		ev := policy.GateEvidence{Found: true, GateID: g.ID, Code: g.Code, Status: g.Status}
		if g.Status != entity.GateStatusPending {
			open, err := repos.Defect.CountOpenByGate(ctx, g.ID)
			if err != nil {
				return ev, fmt.Errorf("统计缺陷失败: %w", err)
			}
			ev.OpenDefects = int(open)
		}
		return ev, nil
	}
	return policy.GateEvidence{}, nil
}

func countsAsEvidence(p *entity.ProjectPhase, createdAt time.Time) bool {
	return p.EvidenceSince == nil || !createdAt.Before(*p.EvidenceSince)
}

// ========== 辅助 ==========

// appendTransition 写流转日志并计数
func (s *PhaseService) appendTransition(ctx context.Context, u *UnitOfWork, p *entity.ProjectPhase, fromPhase *int, fromStep *string, transitionType string, met map[string]bool, reason string) error {
	t := &entity.PhaseTransition{
		ID:             uuid.New().String(),
		ProjectID:      p.ProjectID,
		FromPhase:      fromPhase,
		ToPhase:        p.CurrentPhase,
		FromStep:       fromStep,
		ToStep:         p.CurrentStep,
		TransitionType: transitionType,
		TriggeredBy:    u.Actor.UserID,
		ConditionsMet:  datatypes.NewJSONType(met),
		Reason:         reason,
		TriggeredAt:    u.Now,
	}
	if err := u.Repos.Phase.AppendTransition(ctx, t); err != nil {
		return fmt.Errorf("写入流转记录失败: %w", err)
	}
	s.metrics.Transition(transitionType)
	return nil
}

func (s *PhaseService) phaseName(n int) string {
	if ph, ok := s.phases.Phase(n); ok && ph.Name != "" {
		return fmt.Sprintf("阶段%d(%s)", n, ph.Name)
	}
	return fmt.Sprintf("阶段%d", n)
}

func (s *PhaseService) phaseNotification(event string, p *entity.ProjectPhase, title string) notify.Notification {
	return notify.Notification{
		Event:        event,
		ProjectID:    p.ProjectID,
		ResourceType: "project",
		ResourceID:   p.ProjectID,
		Title:        title,
		Payload: map[string]interface{}{
			"current_phase": p.CurrentPhase,
			"status":        p.Status,
		},
	}
}

func (s *PhaseService) blockedNotification(p *entity.ProjectPhase) notify.Notification {
	n := s.phaseNotification(notify.EventPhaseBlocked, p,
		fmt.Sprintf("项目 %s 在%s受阻", p.ProjectID, s.phaseName(p.CurrentPhase)))
	n.Payload["blocking_reasons"] = []string(p.BlockingReasons)
	return n
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
