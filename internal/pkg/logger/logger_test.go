package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func TestRedactEmail(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"a@b@c", "***@***"},
	}
	for _, c := range cases {
		if got := RedactEmail(c.in); got != c.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLoggerRedactsEmailFields(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{out: &buf, level: DEBUG, redactPII: true}

	l.Info("enrolled", "email", "jane.roe@example.com", "automation_id", "a-1")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["email"] != "ja***@example.com" {
		t.Errorf("email not redacted: %v", entry["email"])
	}
	if entry["automation_id"] != "a-1" {
		t.Errorf("unexpected automation_id: %v", entry["automation_id"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("unexpected level: %v", entry["level"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{out: &buf, level: WARN, redactPII: false}

	l.Debug("dropped")
	l.Info("dropped too")
	if buf.Len() != 0 {
		t.Errorf("entries below WARN should be suppressed, got %q", buf.String())
	}

	l.Error("kept")
	if buf.Len() == 0 {
		t.Error("ERROR entry should be written")
	}
}

func TestComponentStamp(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Component("step_scheduler").Info("tick")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["component"] != "step_scheduler" {
		t.Errorf("missing component stamp: %v", entry)
	}
}
