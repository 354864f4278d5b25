package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn"}, &buf)

	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info 日志在 warn 级别下不应输出: %s", buf.String())
	}

	runLogger := WithRun(logger, "ingest", "run-1")
	runLogger.Warn().Msg("shown")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("应输出 JSON: %v", err)
	}
	if entry["stage"] != "ingest" || entry["run_id"] != "run-1" {
		t.Fatalf("缺少 stage/run_id 字段: %v", entry)
	}
	if _, ok := entry[zerolog.TimestampFieldName]; !ok {
		t.Fatalf("缺少时间戳字段: %v", entry)
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "bogus"}, &buf)

	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("无效级别应回退到 info, 实际 %s", logger.GetLevel())
	}
}
