package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

var _ entitle.Logger = (*Logger)(nil)

func TestZerologLogger_NewLogger(t *testing.T) {
	if NewLogger(nil) == nil {
		t.Fatal("NewLogger returned nil")
	}

	// A nil logger must be safe to use
	NewLogger(nil).Info("dropped")
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }, "debug"},
		{"info", func(l *Logger) { l.Info("msg") }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg") }, "warn"},
		{"error", func(l *Logger) { l.Error("msg") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := bytes.Buffer{}
			zlog := zerolog.New(&output)
			tt.log(NewLogger(&zlog))

			var entry map[string]interface{}
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("invalid log output %q: %v", output.String(), err)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	// Debug and Info should be filtered out
	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	if output.Len() == 0 {
		t.Error("Expected warn to be logged")
	}
}

func TestZerologLogger_Fields(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)
	logger := NewLogger(&zlog).With("engine")

	logger.Info("billing event applied",
		entitle.Field{Key: "event_id", Value: "evt_1"},
		entitle.Field{Key: "is_pro", Value: true},
		entitle.Field{Key: "error", Value: errors.New("boom")},
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("invalid log output: %v", err)
	}
	if entry["event_id"] != "evt_1" {
		t.Errorf("event_id = %v", entry["event_id"])
	}
	if entry["is_pro"] != true {
		t.Errorf("is_pro = %v", entry["is_pro"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["component"] != "engine" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["message"] != "billing event applied" {
		t.Errorf("message = %v", entry["message"])
	}
}
