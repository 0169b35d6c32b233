package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Level = %s, want info", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("Pretty = true, want JSON output by default")
	}
	if cfg.Service != "quota-client" {
		t.Errorf("Service = %q, want quota-client", cfg.Service)
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	tests := []struct {
		level   LogLevel
		visible []string
		hidden  []string
	}{
		{LevelDebug, []string{"debug", "info", "warn", "error"}, nil},
		{LevelInfo, []string{"info", "warn", "error"}, []string{"debug"}},
		{LevelWarn, []string{"warn", "error"}, []string{"debug", "info"}},
		{LevelError, []string{"error"}, []string{"debug", "info", "warn"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := Setup(Config{Level: tt.level, Output: buf})

			logger.Debug().Msg("debug reservoir")
			logger.Info().Msg("info reservoir")
			logger.Warn().Msg("warn reservoir")
			logger.Error().Msg("error reservoir")

			output := buf.String()
			for _, lvl := range tt.visible {
				if !strings.Contains(output, lvl+" reservoir") {
					t.Errorf("%s message missing at level %s", lvl, tt.level)
				}
			}
			for _, lvl := range tt.hidden {
				if strings.Contains(output, lvl+" reservoir") {
					t.Errorf("%s message must be filtered at level %s", lvl, tt.level)
				}
			}
		})
	}
}

func TestSetup_NilOutputDefaultsToStderr(t *testing.T) {
	logger := Setup(Config{Level: LevelError})
	logger.Debug().Msg("dropped")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSetup_ServiceField(t *testing.T) {
	buf := &bytes.Buffer{}
	root := Setup(Config{
		Level:   LevelInfo,
		Output:  buf,
		Service: "quota-proxy",
	})

	logger := WithComponent(root, "client")
	logger.Info().Int("credential", 1).Msg("Client initialized")

	output := buf.String()
	for _, want := range []string{`"service":"quota-proxy"`, `"component":"client"`, `"credential":1`} {
		if !strings.Contains(output, want) {
			t.Errorf("output %q is missing %s", output, want)
		}
	}
}

func TestWithComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	base := zerolog.New(buf).With().Str("service", "svc").Logger()

	logger := WithComponent(base, "limiter")
	logger.Error().Msg("backend down")

	output := buf.String()
	if !strings.Contains(output, `"component":"limiter"`) || !strings.Contains(output, `"service":"svc"`) {
		t.Errorf("output %q must carry the base fields and the component", output)
	}
}
