package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestLogrus(t *testing.T) (*LogrusLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return NewLogrusLogger(l), &buf
}

func TestLogrusLogger_LevelsAndFields(t *testing.T) {
	log, buf := newTestLogrus(t)
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", errors.New("boom"))

	out := buf.String()
	for _, s := range []string{
		"level=debug", "msg=dbg", "a=1",
		"level=info", "msg=inf", "b=2",
		"level=warning", "msg=wrn", "c=3",
		"level=error", "msg=err", "d=boom",
	} {
		if !strings.Contains(out, s) {
			t.Fatalf("expected %q in output:\n%s", s, out)
		}
	}
}

func TestLogrusLogger_WithAndBadKey(t *testing.T) {
	log, buf := newTestLogrus(t)

	log.With("component", "session").Info(context.Background(), "hello", "dangling")

	out := buf.String()
	for _, s := range []string{"component=session", "msg=hello", "!BADKEY=dangling"} {
		if !strings.Contains(out, s) {
			t.Fatalf("expected %q in output:\n%s", s, out)
		}
	}
}

func TestDiscard_DoesNotPanic(t *testing.T) {
	l := Discard()
	l.Info(context.Background(), "nothing", "k", "v")
	l.With("a", 1).Error(context.Background(), "still nothing")
}
