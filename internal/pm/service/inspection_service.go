package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/lock"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/policy"
	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RoleInspector 质量门未指定检验员时，持有该角色的用户可检验
const RoleInspector = "quality_inspector"

// InspectionService 质量门检验
type InspectionService struct {
	*core
	signals *Signals
}

// ========== 检查单模板 ==========

// TemplateInput 检查单模板
type TemplateInput struct {
	ID       string                     `json:"id" binding:"required"`
	Name     string                     `json:"name" binding:"required"`
	GateType string                     `json:"gate_type"`
	Items    []entity.ChecklistItemSpec `json:"items" binding:"required"`
}

func (s *InspectionService) buildTemplate(input TemplateInput) (*entity.ChecklistTemplate, error) {
	if input.ID == "" || input.Name == "" {
		return nil, validationErr("模板ID和名称不能为空")
	}
	if len(input.Items) == 0 {
		return nil, validationErr("模板 %s 至少需要一条检查项", input.ID)
	}
	items := make([]entity.ChecklistItemSpec, len(input.Items))
	for i, it := range input.Items {
		if it.Description == "" {
			return nil, validationErr("模板 %s 第%d条检查项缺少描述", input.ID, i+1)
		}
		if it.Severity == "" {
			it.Severity = entity.SeverityMajor
		}
		if !policy.IsDefectSeverity(it.Severity) {
			return nil, validationErr("模板 %s 第%d条检查项严重程度无效: %s", input.ID, i+1, it.Severity)
		}
		items[i] = it
	}
	return &entity.ChecklistTemplate{
		ID:       input.ID,
		Name:     input.Name,
		GateType: input.GateType,
		Items:    items,
	}, nil
}

// CreateTemplate 创建检查单模板
func (s *InspectionService) CreateTemplate(ctx context.Context, input TemplateInput) (*entity.ChecklistTemplate, error) {
	tpl, err := s.buildTemplate(input)
	if err != nil {
		return nil, err
	}
	if _, err := s.repos.Template.FindByID(ctx, tpl.ID); err == nil {
		return nil, fmt.Errorf("%w: 模板 %s 已存在", ErrInvalidState, tpl.ID)
	}
	if err := s.repos.Template.Create(ctx, tpl); err != nil {
		return nil, fmt.Errorf("创建检查单模板失败: %w", err)
	}
	return tpl, nil
}

// UpsertTemplate 按ID新增或覆盖模板，用于配置文件和 CLI 导入
func (s *InspectionService) UpsertTemplate(ctx context.Context, input TemplateInput) (*entity.ChecklistTemplate, error) {
	tpl, err := s.buildTemplate(input)
	if err != nil {
		return nil, err
	}
	tpl.UpdatedAt = s.now()
	if err := s.repos.Template.Upsert(ctx, tpl); err != nil {
		return nil, fmt.Errorf("保存检查单模板失败: %w", err)
	}
	return tpl, nil
}

// GetTemplate 查询模板
func (s *InspectionService) GetTemplate(ctx context.Context, id string) (*entity.ChecklistTemplate, error) {
	tpl, err := s.repos.Template.FindByID(ctx, id)
	if err != nil {
		return nil, findErr(err, "检查单模板")
	}
	return tpl, nil
}

// ListTemplates 模板列表
func (s *InspectionService) ListTemplates(ctx context.Context, gateType string) ([]entity.ChecklistTemplate, error) {
	items, err := s.repos.Template.List(ctx, gateType)
	if err != nil {
		return nil, fmt.Errorf("查询检查单模板失败: %w", err)
	}
	return items, nil
}

// ========== 质量门 ==========

// OpenGateInput 发起质量检验
type OpenGateInput struct {
	ProjectID           string     `json:"project_id" binding:"required"`
	Phase               int        `json:"phase"`
	GateType            string     `json:"gate_type" binding:"required"`
	ChecklistTemplateID string     `json:"checklist_template_id" binding:"required"`
	InspectorID         string     `json:"inspector_id"`
	InspectionDate      *time.Time `json:"inspection_date"`
}

// OpenGate 按模板实例化检查项，全部为未判定
func (s *InspectionService) OpenGate(ctx context.Context, actor Actor, input OpenGateInput) (*entity.QualityGate, error) {
	if input.ProjectID == "" || input.GateType == "" || input.ChecklistTemplateID == "" {
		return nil, validationErr("project_id、gate_type、checklist_template_id 不能为空")
	}
	tpl, err := s.repos.Template.FindByID(ctx, input.ChecklistTemplateID)
	if err != nil {
		return nil, findErr(err, "检查单模板")
	}
	if tpl.GateType != "" && tpl.GateType != input.GateType {
		return nil, validationErr("模板 %s 适用于 %s，不能用于 %s", tpl.ID, tpl.GateType, input.GateType)
	}
	if len(tpl.Items) == 0 {
		return nil, validationErr("模板 %s 没有检查项", tpl.ID)
	}

	phase := input.Phase
	if phase == 0 {
		pp, err := s.repos.Phase.FindByProject(ctx, input.ProjectID)
		if err != nil {
			return nil, findErr(err, "项目阶段")
		}
		phase = pp.CurrentPhase
	}
	if phase < 1 {
		return nil, validationErr("阶段编号无效: %d", phase)
	}

	var gate *entity.QualityGate
	err = s.run(ctx, actor, []string{lock.CodeKey("quality_gate")}, func(u *UnitOfWork) error {
		code, err := u.Repos.Gate.GenerateCode(ctx)
		if err != nil {
			return fmt.Errorf("生成质量门编码失败: %w", err)
		}
		inspectionDate := u.Now
		if input.InspectionDate != nil {
			inspectionDate = *input.InspectionDate
		}
		gate = &entity.QualityGate{
			ID:                  uuid.New().String(),
			Code:                code,
			ProjectID:           input.ProjectID,
			Phase:               phase,
			GateType:            input.GateType,
			ChecklistTemplateID: tpl.ID,
			InspectorID:         input.InspectorID,
			Status:              entity.GateStatusPending,
			InspectionDate:      inspectionDate,
			CreatedAt:           u.Now,
		}
		for i, spec := range tpl.Items {
			gate.Items = append(gate.Items, entity.QualityGateItem{
				ID:              uuid.New().String(),
				GateID:          gate.ID,
				Sequence:        i + 1,
				ItemDescription: spec.Description,
				Severity:        spec.Severity,
				CreatedAt:       u.Now,
			})
		}
		if err := u.Repos.Gate.Create(ctx, gate); err != nil {
			return fmt.Errorf("创建质量门失败: %w", err)
		}

		var recipients []string
		if gate.InspectorID != "" {
			recipients = []string{gate.InspectorID}
		}
		u.Notify(notify.Notification{
			Event:        notify.EventGateOpened,
			ProjectID:    gate.ProjectID,
			ResourceType: "gate",
			ResourceID:   gate.ID,
			Recipients:   recipients,
			Title:        fmt.Sprintf("质量检验 %s 待执行", gate.Code),
			Payload: map[string]interface{}{
				"phase":     gate.Phase,
				"gate_type": gate.GateType,
				"items":     len(gate.Items),
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("quality gate opened",
		zap.String("gate_id", gate.ID),
		zap.String("code", gate.Code),
		zap.String("project_id", gate.ProjectID),
		zap.Int("phase", gate.Phase),
		zap.String("gate_type", gate.GateType),
	)
	return gate, nil
}

// RecordItemInput 检查项结果
type RecordItemInput struct {
	Passed   *bool    `json:"passed" binding:"required"`
	Comments string   `json:"comments"`
	Photos   []string `json:"photos"`
}

// canInspect 指定了检验员时只有检验员本人（或管理员）可操作
func (s *InspectionService) canInspect(ctx context.Context, actor Actor, gate *entity.QualityGate) bool {
	if gate.InspectorID != "" {
		return s.identity.CanActFor(ctx, actor, gate.InspectorID, "")
	}
	return s.identity.CanActFor(ctx, actor, "", RoleInspector)
}

// RecordItemResult 记录检查项结果，质量门关闭后拒绝
func (s *InspectionService) RecordItemResult(ctx context.Context, actor Actor, itemID string, input RecordItemInput) (*entity.QualityGateItem, error) {
	if input.Passed == nil {
		return nil, validationErr("passed 不能为空")
	}
	current, err := s.repos.Gate.FindItem(ctx, itemID)
	if err != nil {
		return nil, findErr(err, "检查项")
	}

	var result *entity.QualityGateItem
	err = s.run(ctx, actor, []string{lock.GateKey(current.GateID)}, func(u *UnitOfWork) error {
		gate, err := u.Repos.Gate.FindForUpdate(ctx, current.GateID)
		if err != nil {
			return findErr(err, "质量门")
		}
		if err := guardErr(policy.CanRecordItemResult(gate.Status)); err != nil {
			return err
		}
		if !s.canInspect(ctx, actor, gate) {
			return fmt.Errorf("%w: 不是质量门 %s 的检验员", ErrNotAuthorized, gate.Code)
		}
		var item *entity.QualityGateItem
		for i := range gate.Items {
			if gate.Items[i].ID == itemID {
				item = &gate.Items[i]
				break
			}
		}
		if item == nil {
			return fmt.Errorf("%w: 检查项不存在", ErrNotFound)
		}

		passed := *input.Passed
		now := u.Now
		item.Passed = &passed
		item.Comments = input.Comments
		if input.Photos != nil {
			item.Photos = input.Photos
		}
		item.CheckedAt = &now
		item.CheckedBy = actor.UserID
		if err := u.Repos.Gate.SaveItem(ctx, item); err != nil {
			return fmt.Errorf("保存检查结果失败: %w", err)
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloseGate 汇总检查项关闭质量门；不合格项各生成一条缺陷，并发出 GateClosed 信号
func (s *InspectionService) CloseGate(ctx context.Context, actor Actor, gateID string) (*entity.QualityGate, []entity.Defect, error) {
	current, err := s.repos.Gate.FindByID(ctx, gateID)
	if err != nil {
		return nil, nil, findErr(err, "质量门")
	}

	keys := []string{lock.GateKey(gateID), lock.ProjectKey(current.ProjectID), lock.CodeKey("defect")}
	var (
		gate    *entity.QualityGate
		defects []entity.Defect
	)
	err = s.run(ctx, actor, keys, func(u *UnitOfWork) error {
		g, err := u.Repos.Gate.FindForUpdate(ctx, gateID)
		if err != nil {
			return findErr(err, "质量门")
		}
		if !s.canInspect(ctx, actor, g) {
			return fmt.Errorf("%w: 不是质量门 %s 的检验员", ErrNotAuthorized, g.Code)
		}
		results := make([]*bool, len(g.Items))
		for i := range g.Items {
			results[i] = g.Items[i].Passed
		}
		if err := guardErr(policy.CanCloseGate(g.Status, results)); err != nil {
			return err
		}

		scored := policy.ScoreChecklist(results)
		now := u.Now
		passed := scored.Passed
		score := scored.Score
		g.Passed = &passed
		g.Score = &score
		g.ClosedAt = &now
		g.ClosedBy = actor.UserID
		g.Status = entity.GateStatusPassed
		if !passed {
			g.Status = entity.GateStatusFailed
		}
		if err := u.Repos.Gate.Save(ctx, g); err != nil {
			return fmt.Errorf("关闭质量门失败: %w", err)
		}

		for _, idx := range scored.Failed {
			d, err := s.spawnDefect(ctx, u, g, &g.Items[idx])
			if err != nil {
				return err
			}
			defects = append(defects, *d)
		}

		var recipients []string
		if g.InspectorID != "" {
			recipients = []string{g.InspectorID}
		}
		u.Notify(notify.Notification{
			Event:        notify.EventGateClosed,
			ProjectID:    g.ProjectID,
			ResourceType: "gate",
			ResourceID:   g.ID,
			Recipients:   recipients,
			Title:        fmt.Sprintf("质量检验 %s %s", g.Code, gateResultText(passed)),
			Payload: map[string]interface{}{
				"phase":     g.Phase,
				"gate_type": g.GateType,
				"passed":    passed,
				"score":     score,
				"defects":   len(defects),
			},
		})
		gate = g
		return s.signals.emitGateClosed(ctx, u, GateClosed{
			GateID:    g.ID,
			ProjectID: g.ProjectID,
			Phase:     g.Phase,
			GateType:  g.GateType,
			Passed:    passed,
			CreatedAt: g.CreatedAt,
		})
	})
	if err != nil {
		return nil, nil, err
	}

	s.metrics.GateClosed(*gate.Passed)
	for _, d := range defects {
		s.metrics.DefectOpened(d.Severity)
	}
	s.logger.Info("quality gate closed",
		zap.String("gate_id", gate.ID),
		zap.String("code", gate.Code),
		zap.Bool("passed", *gate.Passed),
		zap.Float64("score", *gate.Score),
		zap.Int("defects", len(defects)),
	)
	return gate, defects, nil
}

// spawnDefect 不合格检查项生成缺陷，严重程度取自检查项
func (s *InspectionService) spawnDefect(ctx context.Context, u *UnitOfWork, gate *entity.QualityGate, item *entity.QualityGateItem) (*entity.Defect, error) {
	code, err := u.Repos.Defect.GenerateCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("生成缺陷编码失败: %w", err)
	}
	severity := item.Severity
	if !policy.IsDefectSeverity(severity) {
		severity = entity.SeverityMajor
	}
	description := item.ItemDescription
	if item.Comments != "" {
		description = fmt.Sprintf("%s（%s）", item.ItemDescription, item.Comments)
	}
	gateID, itemID := gate.ID, item.ID
	d := &entity.Defect{
		ID:          uuid.New().String(),
		Code:        code,
		ProjectID:   gate.ProjectID,
		Phase:       gate.Phase,
		GateID:      &gateID,
		GateItemID:  &itemID,
		Severity:    severity,
		Description: description,
		Status:      entity.DefectStatusOpen,
		ReportedBy:  u.Actor.UserID,
		CreatedAt:   u.Now,
	}
	if err := u.Repos.Defect.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("创建缺陷失败: %w", err)
	}
	u.Notify(notify.Notification{
		Event:        notify.EventDefectOpened,
		ProjectID:    d.ProjectID,
		ResourceType: "defect",
		ResourceID:   d.ID,
		Title:        fmt.Sprintf("质量门 %s 发现缺陷 %s", gate.Code, d.Code),
		Message:      d.Description,
		Payload:      map[string]interface{}{"severity": d.Severity, "gate_id": gate.ID},
	})
	return d, nil
}

// GetGate 查询质量门及检查项，照片换成可下载地址
func (s *InspectionService) GetGate(ctx context.Context, gateID string) (*entity.QualityGate, error) {
	gate, err := s.repos.Gate.FindByID(ctx, gateID)
	if err != nil {
		return nil, findErr(err, "质量门")
	}
	for i := range gate.Items {
		gate.Items[i].Photos = s.presignAll(ctx, gate.Items[i].Photos)
	}
	return gate, nil
}

// ListGates 按项目、阶段查询质量门
func (s *InspectionService) ListGates(ctx context.Context, projectID string, phase int) ([]entity.QualityGate, error) {
	items, err := s.repos.Gate.List(ctx, projectID, phase)
	if err != nil {
		return nil, fmt.Errorf("查询质量门失败: %w", err)
	}
	return items, nil
}

func (s *InspectionService) presignAll(ctx context.Context, refs []string) []string {
	if len(refs) == 0 {
		return refs
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		u, err := s.files.PresignGet(ctx, ref)
		if err != nil {
			s.logger.Warn("presign photo failed", zap.String("ref", ref), zap.Error(err))
			u = ref
		}
		out = append(out, u)
	}
	return out
}

func gateResultText(passed bool) string {
	if passed {
		return "合格"
	}
	return "不合格"
}
