package models

import (
	"testing"
	"time"
)

func TestNewFlag(t *testing.T) {
	f := NewFlag("abc=", nil)
	if f.Status != StatusUnsent {
		t.Errorf("status = %q, want %q", f.Status, StatusUnsent)
	}
	if f.Value != "abc=" {
		t.Errorf("value = %q", f.Value)
	}
	if f.SubmittedAt.IsZero() {
		t.Error("submittedAt not set")
	}
	if f.Expired {
		t.Error("new flag must not be expired")
	}
}

func TestWeightOrdering(t *testing.T) {
	weights := map[string]int{
		StatusUnsent:      0,
		StatusSent:        1,
		StatusBadAnswered: 2,
		StatusAnswered:    3,
	}
	for status, want := range weights {
		f := &Flag{Status: status}
		if got := f.Weight(); got != want {
			t.Errorf("Weight(%s) = %d, want %d", status, got, want)
		}
	}
}

func TestLess_StatusTierBeforeTime(t *testing.T) {
	now := time.Now()
	unsentLate := &Flag{Status: StatusUnsent, SubmittedAt: now}
	sentEarly := &Flag{Status: StatusSent, SubmittedAt: now.Add(-time.Hour)}

	if !unsentLate.Less(sentEarly) {
		t.Error("a fresh unsent flag must sort before an older sent one")
	}
}

func TestLess_TimeWithinTier(t *testing.T) {
	now := time.Now()
	early := &Flag{Status: StatusUnsent, SubmittedAt: now.Add(-time.Minute)}
	late := &Flag{Status: StatusUnsent, SubmittedAt: now}

	if !early.Less(late) {
		t.Error("earlier submission must sort first within a tier")
	}
	if late.Less(early) {
		t.Error("ordering must not be symmetric")
	}
}

type recordingReplier struct {
	lines []string
	alive bool
}

func (r *recordingReplier) Reply(line string) { r.lines = append(r.lines, line) }
func (r *recordingReplier) Alive() bool       { return r.alive }

func TestReplyTo(t *testing.T) {
	r := &recordingReplier{alive: true}
	f := NewFlag("abc=", r)
	f.ReplyTo("hello")
	if len(r.lines) != 1 || r.lines[0] != "hello" {
		t.Errorf("lines = %v", r.lines)
	}
}

func TestReplyTo_DeadOrMissingSender(t *testing.T) {
	f := NewFlag("abc=", nil)
	f.ReplyTo("hello") // must not panic

	r := &recordingReplier{alive: false}
	f = NewFlag("abc=", r)
	f.ReplyTo("hello")
	if len(r.lines) != 0 {
		t.Errorf("reply delivered to a dead sender: %v", r.lines)
	}
}
