package evaluation

import (
	"fmt"
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"第一章 招标公告", "招标公告"},
		{"1. 招标公告", "招标公告"},
		{"  招标 公告 ", "招标公告"},
		{"3.2.1 Technical Requirements", "technicalrequirements"},
		{"二、评标办法", "评标办法"},
		{"（三）资格要求", "资格要求"},
		{"第二章", "第二章"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func titles(prefix string, from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}

func near(a, b float64) bool { return math.Abs(a-b) < 0.001 }

func TestCompareScenario(t *testing.T) {
	truth := titles("章节", 1, 12)

	a := append(titles("章节", 1, 8), "无关A1", "无关A2")
	b := append(titles("章节", 1, 11), "无关B1", "无关B2", "无关B3", "无关B4")

	scores := Compare([]MethodTitles{{Method: "A", Titles: a}, {Method: "B", Titles: b}}, truth)

	sa, sb := scores[0], scores[1]
	if sa.Detected != 10 || sa.Matched != 8 || !near(sa.Precision, 0.8) || !near(sa.Recall, 0.667) || !near(sa.F1, 0.727) {
		t.Errorf("A = %+v", sa)
	}
	if sb.Detected != 15 || sb.Matched != 11 || !near(sb.Precision, 0.733) || !near(sb.Recall, 0.917) || !near(sb.F1, 0.815) {
		t.Errorf("B = %+v", sb)
	}
	if best := BestMethod(scores); best != "B" {
		t.Errorf("best = %q, want B", best)
	}
}

func TestScoreIsSymmetricInF1(t *testing.T) {
	detected := []string{"第一章 招标公告", "第二章 投标人须知", "附件"}
	truth := []string{"招标公告", "投标人须知", "评标办法", "合同条款"}

	ab := ScoreTitles(detected, truth)
	ba := ScoreTitles(truth, detected)
	if !near(ab.F1, ba.F1) || !near(ab.Precision, ba.Recall) || !near(ab.Recall, ba.Precision) {
		t.Fatalf("ab=%+v ba=%+v", ab, ba)
	}
}

func TestScoreEmptyInputs(t *testing.T) {
	s := ScoreTitles(nil, []string{"a"})
	if s.Precision != 0 || s.Recall != 0 || s.F1 != 0 {
		t.Fatalf("empty detection should score zero: %+v", s)
	}
	if BestMethod([]Score{s}) != "" {
		t.Fatal("zero scores have no best method")
	}
}

func TestMajorityVote(t *testing.T) {
	got := MajorityVote([][]string{
		{"第一章 招标公告", "第二章 投标人须知", "附录"},
		{"1. 招标公告", "2. 投标人须知"},
		{"招标公告", "评标办法"},
	})
	want := []string{"第一章 招标公告", "第二章 投标人须知"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
