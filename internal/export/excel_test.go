package export

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/tenderflow/backend/internal/risk"
	"github.com/tenderflow/backend/internal/storage/models"
)

func sampleReport(reconcile bool) *risk.Report {
	score := 0.92
	items := []models.RiskItem{
		{
			Index: 0, RiskLevel: models.RiskHigh, RiskType: "qualification", Location: "第三章 资格要求",
			Requirement: "投标人须具有ISO 9001认证", OriginalText: "★投标人须具有ISO 9001认证。",
			TodoAction: "准备认证证书", Todo: &models.TodoItem{AssigneeType: "commerce", Priority: "P0", Checklist: []string{"证书原件", "复印件盖章"}},
		},
		{Index: 1, RiskLevel: models.RiskLow, RiskType: "other", Requirement: "质保期不少于三年"},
	}
	if reconcile {
		items[0].ComplianceStatus = models.ComplianceCompliant
		items[0].MatchScore = &score
		items[0].ResponseText = "公司通过ISO 9001:2015认证"
		items[0].Reconcile = &models.ReconcileResult{ComplianceStatus: models.ComplianceCompliant, MatchScore: score, FixPriority: "P2"}
	}
	return &risk.Report{
		Mode:      risk.ModeBidOnly,
		Items:     items,
		Counts:    risk.Counts{Total: 2, High: 1, Low: 1, Score: 18},
		RiskScore: 18,
		Summary:   "共识别风险项2项",
	}
}

func TestSaveRiskReportSheets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "r1.xlsx")
	if err := SaveRiskReport(path, sampleReport(true), "某医院信息化项目"); err != nil {
		t.Fatalf("SaveRiskReport: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	want := []string{SheetSummary, SheetRiskDetail, SheetReconciliation}
	if got := f.GetSheetList(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sheets = %v, want %v", got, want)
	}

	rows, err := f.GetRows(SheetRiskDetail)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[1][1] != "高" || rows[1][9] != "commerce" || rows[1][11] != "证书原件\n复印件盖章" {
		t.Fatalf("detail rows = %q", rows)
	}

	recon, _ := f.GetRows(SheetReconciliation)
	if len(recon) != 2 || recon[1][3] != "满足" {
		t.Fatalf("reconciliation rows = %q", recon)
	}

	score, _ := f.GetCellValue(SheetSummary, "B12")
	if score != "18" {
		t.Fatalf("risk score cell = %q", score)
	}
}

func TestReconciliationSheetOnlyWhenReconciled(t *testing.T) {
	f, err := BuildRiskReport(sampleReport(false), "x")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if idx, _ := f.GetSheetIndex(SheetReconciliation); idx != -1 {
		t.Fatal("reconciliation sheet should be absent")
	}
}
