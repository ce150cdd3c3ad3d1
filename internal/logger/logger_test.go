package logger

import (
	"testing"

	"github.com/lvdashuaibi/battlevote/config"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		wantErr bool
		enabled zapcore.Level
	}{
		{name: "default level", cfg: config.LogConfig{}, enabled: zapcore.InfoLevel},
		{name: "debug development", cfg: config.LogConfig{Level: "debug", Development: true}, enabled: zapcore.DebugLevel},
		{name: "warn", cfg: config.LogConfig{Level: "warn"}, enabled: zapcore.WarnLevel},
		{name: "bad level", cfg: config.LogConfig{Level: "chatty"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !logger.Core().Enabled(tt.enabled) {
				t.Fatalf("level %s should be enabled", tt.enabled)
			}
			if tt.enabled > zapcore.DebugLevel && logger.Core().Enabled(tt.enabled-1) {
				t.Fatalf("level %s should be disabled", tt.enabled-1)
			}
		})
	}
}
