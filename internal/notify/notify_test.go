package notify

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestLogNotifierWritesSeverityLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	n := NewLogNotifier(logger)

	n.Notify(context.Background(), "taskFailed", "worker w1 failed", "exit code 1", SeverityError, map[string]string{"task_id": "t-1"})

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") {
		t.Errorf("expected ERROR level log, got: %s", out)
	}
	if !strings.Contains(out, "task_id=t-1") {
		t.Errorf("expected task_id field in log, got: %s", out)
	}
}

func TestMultiFansOutToAllBackends(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	l1 := slog.New(slog.NewTextHandler(&buf1, nil))
	l2 := slog.New(slog.NewTextHandler(&buf2, nil))
	m := NewMulti(NewLogNotifier(l1), NewLogNotifier(l2))

	m.Notify(context.Background(), "taskStarted", "t", "m", SeverityInfo, nil)

	if buf1.Len() == 0 || buf2.Len() == 0 {
		t.Fatal("expected both backends to receive the notification")
	}
}
