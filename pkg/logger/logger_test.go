package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHelpersWorkBeforeInit(t *testing.T) {
	set(nil)
	Info("no logger yet")
	Warn("still fine")
	if GetLogger() == nil {
		t.Fatal("GetLogger must never return nil")
	}
}

func TestInitRejectsBadLevel(t *testing.T) {
	if err := Init("loud", "json", "stdout"); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestInitWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := Init("debug", "json", path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Info("pipeline started")
	Sync()
	InitNop()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"message":"pipeline started"`) {
		t.Fatalf("log line missing: %s", data)
	}
}

func TestNamedLoggerTagsComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := Init("warning", "json", path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Named("http").Warn("slow request")
	Info("below threshold")
	Sync()
	InitNop()

	data, _ := os.ReadFile(path)
	out := string(data)
	if !strings.Contains(out, `"logger":"http"`) || !strings.Contains(out, `"service":"tenderflow"`) {
		t.Fatalf("named line missing fields: %s", out)
	}
	if strings.Contains(out, "below threshold") {
		t.Fatalf("info line written at warning level: %s", out)
	}
}
