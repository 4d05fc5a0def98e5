package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadLinesSkipsBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truth.txt")
	if err := os.WriteFile(path, []byte("第一章 招标公告\n\n  第二章 投标人须知  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lines, err := readLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[1] != "第二章 投标人须知" {
		t.Fatalf("lines = %q", lines)
	}
}

func TestPrintBoxIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	printBox(&buf, "project 7", field{"status", "completed"}, field{"requirements", 12})
	out := buf.String()
	for _, want := range []string{"project 7", "status", "completed", "12"} {
		if !strings.Contains(out, want) {
			t.Fatalf("box missing %q:\n%s", want, out)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"serve": false, "process": false, "risk": false, "compare": false, "cleanup": false, "release": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %s not registered", name)
		}
	}
}
