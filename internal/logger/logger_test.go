package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestContextFieldsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test"})

	ctx := l.WithContext(context.Background())
	ctx = SetJobID(ctx, "job-1")
	ctx = SetClaim(ctx, 3, "F-100")

	CtxInfo(ctx, "fetched %s", "claim")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["message"] != "fetched claim" {
		t.Errorf("message = %v", line["message"])
	}
	if line[FieldJobID] != "job-1" {
		t.Errorf("job_id = %v", line[FieldJobID])
	}
	if line[FieldIdentifier] != "F-100" {
		t.Errorf("identifier = %v", line[FieldIdentifier])
	}
	if line["service"] != "test" {
		t.Errorf("service = %v", line["service"])
	}
	if GetJobID(ctx) != "job-1" {
		t.Errorf("GetJobID = %q", GetJobID(ctx))
	}
}

func TestEntryMetricFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Output: &buf})
	ctx := l.WithContext(context.Background())

	With(Fields{FieldCount: 2}).WithDuration(15).Info(ctx, "done")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line[FieldDurationMs] != float64(15) {
		t.Errorf("duration_ms = %v", line[FieldDurationMs])
	}
	if line[FieldCount] != float64(2) {
		t.Errorf("count = %v", line[FieldCount])
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != GetDefault() {
		t.Error("expected default logger for bare context")
	}
}
