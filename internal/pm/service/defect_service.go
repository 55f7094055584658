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

// DefectService 缺陷整改跟踪
type DefectService struct {
	*core
}

// ReportDefectInput 手工登记缺陷
type ReportDefectInput struct {
	ProjectID   string `json:"project_id" binding:"required"`
	Phase       int    `json:"phase"`
	GateID      string `json:"gate_id"`
	Severity    string `json:"severity" binding:"required"`
	Description string `json:"description" binding:"required"`
	Location    string `json:"location"`
	AssignedTo  string `json:"assigned_to"`
}

// ReportDefect 手工登记缺陷，可关联到质量门
func (s *DefectService) ReportDefect(ctx context.Context, actor Actor, input ReportDefectInput) (*entity.Defect, error) {
	if input.ProjectID == "" || input.Description == "" {
		return nil, validationErr("project_id 和 description 不能为空")
	}
	if !policy.IsDefectSeverity(input.Severity) {
		return nil, validationErr("严重程度无效: %s", input.Severity)
	}

	phase := input.Phase
	var gateID *string
	if input.GateID != "" {
		gate, err := s.repos.Gate.FindByID(ctx, input.GateID)
		if err != nil {
			return nil, findErr(err, "质量门")
		}
		if gate.ProjectID != input.ProjectID {
			return nil, validationErr("质量门 %s 不属于项目 %s", gate.Code, input.ProjectID)
		}
		id := gate.ID
		gateID = &id
		phase = gate.Phase
	}

	var defect *entity.Defect
	err := s.run(ctx, actor, []string{lock.CodeKey("defect")}, func(u *UnitOfWork) error {
		code, err := u.Repos.Defect.GenerateCode(ctx)
		if err != nil {
			return fmt.Errorf("生成缺陷编码失败: %w", err)
		}
		defect = &entity.Defect{
			ID:          uuid.New().String(),
			Code:        code,
			ProjectID:   input.ProjectID,
			Phase:       phase,
			GateID:      gateID,
			Severity:    input.Severity,
			Description: input.Description,
			Location:    input.Location,
			AssignedTo:  input.AssignedTo,
			Status:      entity.DefectStatusOpen,
			ReportedBy:  actor.UserID,
			CreatedAt:   u.Now,
		}
		if err := u.Repos.Defect.Create(ctx, defect); err != nil {
			return fmt.Errorf("创建缺陷失败: %w", err)
		}
		u.Notify(s.defectNotification(notify.EventDefectOpened, defect, fmt.Sprintf("新缺陷 %s", defect.Code)))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.DefectOpened(defect.Severity)
	s.logger.Info("defect reported",
		zap.String("defect_id", defect.ID),
		zap.String("code", defect.Code),
		zap.String("project_id", defect.ProjectID),
		zap.String("severity", defect.Severity),
	)
	return defect, nil
}

// UpdateDefectStatusInput 缺陷状态变更
type UpdateDefectStatusInput struct {
	Status          string `json:"status" binding:"required"`
	ResolutionNotes string `json:"resolution_notes"`
	ResolvedBy      string `json:"resolved_by"`
}

// UpdateStatus 推进缺陷状态。进入 resolved 时必须给出整改人，整改人和整改时间之后不可再改。
func (s *DefectService) UpdateStatus(ctx context.Context, actor Actor, defectID string, input UpdateDefectStatusInput) (*entity.Defect, error) {
	var defect *entity.Defect
	err := s.run(ctx, actor, []string{lock.DefectKey(defectID)}, func(u *UnitOfWork) error {
		d, err := u.Repos.Defect.FindForUpdate(ctx, defectID)
		if err != nil {
			return findErr(err, "缺陷")
		}
		if err := guardErr(policy.CanTransitionDefect(policy.DefectTransitionContext{
			From:       d.Status,
			To:         input.Status,
			ResolvedBy: input.ResolvedBy,
		})); err != nil {
			return err
		}

		from := d.Status
		d.Status = input.Status
		if input.ResolutionNotes != "" {
			d.ResolutionNotes = input.ResolutionNotes
		}
		if input.Status == entity.DefectStatusResolved && d.ResolvedAt == nil {
			now := u.Now
			resolvedBy := input.ResolvedBy
			d.ResolvedAt = &now
			d.ResolvedBy = &resolvedBy
		}
		if err := u.Repos.Defect.Save(ctx, d); err != nil {
			return fmt.Errorf("更新缺陷状态失败: %w", err)
		}

		n := s.defectNotification(notify.EventDefectUpdated, d, fmt.Sprintf("缺陷 %s: %s → %s", d.Code, from, d.Status))
		n.Payload["from"] = from
		u.Notify(n)
		defect = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.DefectTransition(defect.Status)
	return defect, nil
}

// AssignDefect 指派整改责任人
func (s *DefectService) AssignDefect(ctx context.Context, actor Actor, defectID, assignee string) (*entity.Defect, error) {
	if assignee == "" {
		return nil, validationErr("assigned_to 不能为空")
	}
	var defect *entity.Defect
	err := s.run(ctx, actor, []string{lock.DefectKey(defectID)}, func(u *UnitOfWork) error {
		d, err := u.Repos.Defect.FindForUpdate(ctx, defectID)
		if err != nil {
			return findErr(err, "缺陷")
		}
		if !d.IsOpen() {
			return fmt.Errorf("%w: 缺陷 %s 已是 %s，不能再指派", ErrInvalidState, d.Code, d.Status)
		}
		d.AssignedTo = assignee
		if err := u.Repos.Defect.Save(ctx, d); err != nil {
			return fmt.Errorf("指派缺陷失败: %w", err)
		}
		n := s.defectNotification(notify.EventDefectUpdated, d, fmt.Sprintf("缺陷 %s 已指派给你", d.Code))
		n.Recipients = []string{assignee}
		u.Notify(n)
		defect = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defect, nil
}

// GetDefect 查询缺陷
func (s *DefectService) GetDefect(ctx context.Context, defectID string) (*entity.Defect, error) {
	d, err := s.repos.Defect.FindByID(ctx, defectID)
	if err != nil {
		return nil, findErr(err, "缺陷")
	}
	return d, nil
}

// DefectFilter 未整改缺陷查询条件，至少给出一个
type DefectFilter struct {
	ProjectID string `form:"project_id"`
	GateID    string `form:"gate_id"`
}

// ListOpenDefects 未整改缺陷（open / in_progress）
func (s *DefectService) ListOpenDefects(ctx context.Context, filter DefectFilter) ([]entity.Defect, error) {
	if filter.ProjectID == "" && filter.GateID == "" {
		return nil, validationErr("project_id 或 gate_id 至少提供一个")
	}
	items, err := s.repos.Defect.ListOpen(ctx, filter.ProjectID, filter.GateID)
	if err != nil {
		return nil, fmt.Errorf("查询缺陷失败: %w", err)
	}
	return items, nil
}

// CountOpenByGate 追溯到质量门的未整改缺陷数
func (s *DefectService) CountOpenByGate(ctx context.Context, gateID string) (int64, error) {
	n, err := s.repos.Defect.CountOpenByGate(ctx, gateID)
	if err != nil {
		return 0, fmt.Errorf("统计缺陷失败: %w", err)
	}
	return n, nil
}

// GateDefects 质量门产生的缺陷及整改进度
type GateDefects struct {
	GateID     string          `json:"gate_id"`
	Items      []entity.Defect `json:"items"`
	Total      int             `json:"total"`
	Remediated int             `json:"remediated"`
	Open       int             `json:"open"`
}

// ListGateDefects 质量门产生的全部缺陷；resolved / closed / wont_fix 计为已整改
func (s *DefectService) ListGateDefects(ctx context.Context, gateID string) (*GateDefects, error) {
	if _, err := s.repos.Gate.FindByID(ctx, gateID); err != nil {
		return nil, findErr(err, "质量门")
	}
	items, err := s.repos.Defect.ListByGate(ctx, gateID)
	if err != nil {
		return nil, fmt.Errorf("查询缺陷失败: %w", err)
	}
	out := &GateDefects{GateID: gateID, Items: items, Total: len(items)}
	for _, d := range items {
		if policy.IsRemediated(d.Status) {
			out.Remediated++
		} else {
			out.Open++
		}
	}
	return out, nil
}

func (s *DefectService) defectNotification(event string, d *entity.Defect, title string) notify.Notification {
	var recipients []string
	if d.AssignedTo != "" {
		recipients = []string{d.AssignedTo}
	}
	return notify.Notification{
		Event:        event,
		ProjectID:    d.ProjectID,
		ResourceType: "defect",
		ResourceID:   d.ID,
		Recipients:   recipients,
		Title:        title,
		Message:      d.Description,
		Payload: map[string]interface{}{
			"code":     d.Code,
			"severity": d.Severity,
			"status":   d.Status,
		},
	}
}
