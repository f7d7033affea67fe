package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LevelWarn)

	l.Debugf("debug message")
	l.Infof("info message")
	l.Warnf("warn message")
	l.Errorf("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Fatalf("low-severity messages logged at WARN level:\n%s", out)
	}
	if !strings.Contains(out, "WARN warn message") {
		t.Fatalf("missing warn message:\n%s", out)
	}
	if !strings.Contains(out, "ERROR error message") {
		t.Fatalf("missing error message:\n%s", out)
	}
}

func TestNamespacePrefix(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LevelDebug)
	l.Debugf(NSTxn+"committed txn %d", 7)
	if !strings.Contains(buf.String(), "[txn] committed txn 7") {
		t.Fatalf("namespace prefix missing:\n%s", buf.String())
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) == nil {
		t.Fatal("OrDefault(nil) returned nil")
	}

	var typedNil *DefaultLogger
	l := OrDefault(typedNil)
	if IsNil(l) {
		t.Fatal("OrDefault(typed-nil) returned a nil logger")
	}

	// Discard must pass through unchanged.
	if OrDefault(Discard) != Discard {
		t.Fatal("OrDefault replaced a valid logger")
	}
}
