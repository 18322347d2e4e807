package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sessamekesh/spanreed-transport/pkg/config"
	"go.uber.org/zap"
)

func TestFileOutput(t *testing.T) {
	defer zap.ReplaceGlobals(zap.NewNop())

	dir := t.TempDir()
	plain := filepath.Join(dir, "nested", "plain.log")

	logger, err := SetupLogger(config.LogConfig{
		Level:   "warn",
		Format:  "json",
		Outputs: []string{plain},
	})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("hidden")
	logger.Warn("shown", zap.String("clientId", "3v1"))
	logger.Sync()

	data, err := os.ReadFile(plain)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Error("info line passed a warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"clientId":"3v1"`) {
		t.Errorf("unexpected output %q", out)
	}
	if zap.L() != logger {
		t.Error("logger was not installed globally")
	}
}

func TestRotatedOutput(t *testing.T) {
	defer zap.ReplaceGlobals(zap.NewNop())

	rotated := filepath.Join(t.TempDir(), "rotated.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:   "debug",
		Outputs: []string{"ignored.log"},
		Rotation: config.RotationConfig{
			Enable:   true,
			Filename: rotated,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	logger.Debug("rotating")
	logger.Sync()

	data, err := os.ReadFile(rotated)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "rotating") {
		t.Errorf("unexpected output %q", data)
	}
}
