// Package export renders risk reports as Excel workbooks.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/tenderflow/backend/internal/risk"
	"github.com/tenderflow/backend/internal/storage/models"
)

const (
	SheetSummary        = "Summary"
	SheetRiskDetail     = "Risk Detail"
	SheetReconciliation = "Reconciliation"
)

var levelLabels = map[string]string{
	models.RiskHigh:   "高",
	models.RiskMedium: "中",
	models.RiskLow:    "低",
}

var complianceLabels = map[string]string{
	models.ComplianceCompliant:    "满足",
	models.CompliancePartial:      "部分满足",
	models.ComplianceNonCompliant: "不满足",
	models.ComplianceUnknown:      "未知",
}

var detailHeader = []any{
	"序号", "风险等级", "风险类型", "位置", "要求", "原文", "深度分析", "建议", "待办", "责任方", "优先级", "检查清单", "提示",
}

var reconcileHeader = []any{
	"序号", "要求", "风险等级", "合规状态", "匹配度", "投标响应", "问题", "整改建议", "整改优先级",
}

// BuildRiskReport lays out a report. The Reconciliation sheet is present only when at least one
// item was reconciled.
func BuildRiskReport(report *risk.Report, title string) (*excelize.File, error) {
	f := excelize.NewFile()

	header, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	wrap, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create cell style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	if err := writeSummary(f, report, title, header); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeDetail(f, report.Items, header, wrap); err != nil {
		f.Close()
		return nil, err
	}
	if reconciled(report.Items) {
		if err := writeReconciliation(f, report.Items, header, wrap); err != nil {
			f.Close()
			return nil, err
		}
	}
	f.SetActiveSheet(0)
	return f, nil
}

// SaveRiskReport writes the workbook to path, creating the directory when needed.
func SaveRiskReport(path string, report *risk.Report, title string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	f, err := BuildRiskReport(report, title)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, report *risk.Report, title string, header int) error {
	rows := [][]any{
		{"项目", title},
		{"分析模式", report.Mode},
		{"是否识别目录", yesNo(report.Toc.HasToc)},
		{"排除章节", strings.Join(report.Toc.ExcludeChapters, "、")},
		{"分析片段数", report.ChunkCount},
		{"失败片段数", report.FailedChunks},
		{"风险项总数", report.Counts.Total},
		{"高风险", report.Counts.High},
		{"中风险", report.Counts.Medium},
		{"低风险", report.Counts.Low},
		{"风险评分", report.RiskScore},
		{"总结", report.Summary},
	}
	for status, n := range report.Compliance {
		rows = append(rows, []any{"合规：" + label(complianceLabels, status), n})
	}

	if err := f.SetSheetRow(SheetSummary, "A1", &[]any{"指标", "值"}); err != nil {
		return fmt.Errorf("failed to write summary header: %w", err)
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetSummary, cell, &r); err != nil {
			return fmt.Errorf("failed to write summary row: %w", err)
		}
	}
	if err := f.SetCellStyle(SheetSummary, "A1", "B1", header); err != nil {
		return fmt.Errorf("failed to style summary: %w", err)
	}
	if err := f.SetColWidth(SheetSummary, "A", "A", 18); err != nil {
		return err
	}
	return f.SetColWidth(SheetSummary, "B", "B", 80)
}

func writeDetail(f *excelize.File, items []models.RiskItem, header, wrap int) error {
	if _, err := f.NewSheet(SheetRiskDetail); err != nil {
		return fmt.Errorf("failed to create detail sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetRiskDetail, "A1", &detailHeader); err != nil {
		return fmt.Errorf("failed to write detail header: %w", err)
	}
	for i, it := range items {
		row := []any{
			it.Index + 1,
			label(levelLabels, it.RiskLevel),
			it.RiskType,
			it.Location,
			it.Requirement,
			it.OriginalText,
			it.DeepAnalysis,
			it.Suggestion,
			it.TodoAction,
			"", "", "",
			it.Warning,
		}
		if it.Todo != nil {
			row[9] = it.Todo.AssigneeType
			row[10] = it.Todo.Priority
			row[11] = strings.Join(it.Todo.Checklist, "\n")
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetRiskDetail, cell, &row); err != nil {
			return fmt.Errorf("failed to write detail row: %w", err)
		}
	}
	return styleTable(f, SheetRiskDetail, len(detailHeader), len(items), header, wrap)
}

func writeReconciliation(f *excelize.File, items []models.RiskItem, header, wrap int) error {
	if _, err := f.NewSheet(SheetReconciliation); err != nil {
		return fmt.Errorf("failed to create reconciliation sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetReconciliation, "A1", &reconcileHeader); err != nil {
		return fmt.Errorf("failed to write reconciliation header: %w", err)
	}
	row := 2
	for _, it := range items {
		if it.ComplianceStatus == "" {
			continue
		}
		score := 0.0
		if it.MatchScore != nil {
			score = *it.MatchScore
		}
		values := []any{
			it.Index + 1,
			it.Requirement,
			label(levelLabels, it.RiskLevel),
			label(complianceLabels, it.ComplianceStatus),
			score,
			it.ResponseText,
			"", "", "",
		}
		if rc := it.Reconcile; rc != nil {
			values[6] = strings.Join(rc.Issues, "\n")
			values[7] = rc.FixSuggestion
			values[8] = rc.FixPriority
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(SheetReconciliation, cell, &values); err != nil {
			return fmt.Errorf("failed to write reconciliation row: %w", err)
		}
		row++
	}
	return styleTable(f, SheetReconciliation, len(reconcileHeader), row-2, header, wrap)
}

func styleTable(f *excelize.File, sheet string, cols, rows, header, wrap int) error {
	last, _ := excelize.ColumnNumberToName(cols)
	if err := f.SetCellStyle(sheet, "A1", last+"1", header); err != nil {
		return fmt.Errorf("failed to style %s header: %w", sheet, err)
	}
	if rows > 0 {
		end, _ := excelize.CoordinatesToCellName(cols, rows+1)
		if err := f.SetCellStyle(sheet, "A2", end, wrap); err != nil {
			return fmt.Errorf("failed to style %s rows: %w", sheet, err)
		}
	}
	if err := f.SetColWidth(sheet, "A", "A", 8); err != nil {
		return err
	}
	second, _ := excelize.ColumnNumberToName(2)
	return f.SetColWidth(sheet, second, last, 30)
}

func reconciled(items []models.RiskItem) bool {
	for _, it := range items {
		if it.ComplianceStatus != "" {
			return true
		}
	}
	return false
}

func label(labels map[string]string, key string) string {
	if l, ok := labels[key]; ok {
		return l
	}
	return key
}

func yesNo(b bool) string {
	if b {
		return "是"
	}
	return "否"
}
