package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

var transitionExportHeaders = []string{
	"序号", "类型", "原阶段", "新阶段", "原步骤", "新步骤", "操作人", "时间", "条件满足情况", "原因",
}

var transitionTypeText = map[string]string{
	"advance":  "推进",
	"rollback": "回退",
	"skip":     "跳过",
	"block":    "受阻",
	"unblock":  "解除受阻",
}

// ExportTransitions 导出项目流转日志为xlsx
func (s *PhaseService) ExportTransitions(ctx context.Context, projectID string) (*excelize.File, string, error) {
	pp, err := s.GetProjectPhase(ctx, projectID)
	if err != nil {
		return nil, "", err
	}
	items, err := s.repos.Phase.ListTransitions(ctx, projectID)
	if err != nil {
		return nil, "", fmt.Errorf("查询流转记录失败: %w", err)
	}

	f := excelize.NewFile()
	sheet := "流转记录"
	f.SetSheetName("Sheet1", sheet)

	// 表头样式: 加粗
	boldStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	for i, h := range transitionExportHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, boldStyle)
	}

	for rowIdx, t := range items {
		row := rowIdx + 2
		typ := transitionTypeText[t.TransitionType]
		if typ == "" {
			typ = t.TransitionType
		}
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), t.Seq)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), typ)
		if t.FromPhase != nil {
			f.SetCellValue(sheet, fmt.Sprintf("C%d", row), s.phaseName(*t.FromPhase))
		}
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), s.phaseName(t.ToPhase))
		if t.FromStep != nil {
			f.SetCellValue(sheet, fmt.Sprintf("E%d", row), *t.FromStep)
		}
		if t.ToStep != nil {
			f.SetCellValue(sheet, fmt.Sprintf("F%d", row), *t.ToStep)
		}
		f.SetCellValue(sheet, fmt.Sprintf("G%d", row), t.TriggeredBy)
		f.SetCellValue(sheet, fmt.Sprintf("H%d", row), t.TriggeredAt.Format("2006-01-02 15:04:05"))
		f.SetCellValue(sheet, fmt.Sprintf("I%d", row), formatConditions(t.Conditions()))
		f.SetCellValue(sheet, fmt.Sprintf("J%d", row), t.Reason)
	}

	// 底部汇总行
	summaryRow := len(items) + 2
	summaryStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	f.SetCellValue(sheet, fmt.Sprintf("A%d", summaryRow), "当前")
	f.SetCellValue(sheet, fmt.Sprintf("B%d", summaryRow), pp.Status)
	f.SetCellValue(sheet, fmt.Sprintf("D%d", summaryRow), s.phaseName(pp.CurrentPhase))
	f.SetCellValue(sheet, fmt.Sprintf("I%d", summaryRow), strings.Join(pp.BlockingReasons, "; "))
	f.SetCellStyle(sheet, fmt.Sprintf("A%d", summaryRow), fmt.Sprintf("J%d", summaryRow), summaryStyle)

	colWidths := []float64{6, 10, 18, 18, 14, 14, 14, 20, 40, 30}
	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, w)
	}

	filename := fmt.Sprintf("transitions_%s.xlsx", projectID)
	return f, filename, nil
}

// formatConditions 条件快照按名称排序输出，如 "approval:design_review=是; gate:evt=否"
func formatConditions(met map[string]bool) string {
	names := make([]string, 0, len(met))
	for name := range met {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		v := "否"
		if met[name] {
			v = "是"
		}
		parts = append(parts, name+"="+v)
	}
	return strings.Join(parts, "; ")
}
