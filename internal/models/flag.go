package models

import (
	"sync"
	"time"
)

// Flag statuses. A flag moves forward through these except on the
// bad-answer path, where it re-enters the send queue while keeping
// BAD_ANSWERED as its persisted status.
const (
	StatusUnsent      = "UNSENT"
	StatusSent        = "SENT"
	StatusAnswered    = "ANSWERED"
	StatusBadAnswered = "BAD_ANSWERED"
)

// Replier echoes a line back to whoever submitted a flag. Implementations
// must be safe to call after the underlying connection has closed.
type Replier interface {
	Reply(line string)
	Alive() bool
}

// Flag is one submitted token and its delivery lifecycle. The lifecycle
// fields (Status, Answer, Expired, Sender) are shared between the output
// channel's goroutines and the coordinator; concurrent code must go
// through the accessor methods below, which hold the flag's own mutex.
// Value and SubmittedAt never change after creation.
type Flag struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Value       string `gorm:"uniqueIndex;size:128;not null"`
	Status      string `gorm:"size:16;default:UNSENT;index"`
	Answer      string `gorm:"size:128;index"`
	Expired     bool   `gorm:"default:false;index"`
	SubmittedAt time.Time

	// Sender is a best-effort handle to the submitting connection, used
	// only to echo the verdict back. Never persisted, may be nil or dead.
	Sender Replier `gorm:"-" json:"-"`

	mu sync.Mutex
}

// NewFlag builds an unsent flag submitted now.
func NewFlag(value string, sender Replier) *Flag {
	return &Flag{
		Value:       value,
		Status:      StatusUnsent,
		SubmittedAt: time.Now(),
		Sender:      sender,
	}
}

func (f *Flag) String() string {
	return f.Value
}

// State returns a consistent snapshot of the lifecycle fields.
func (f *Flag) State() (status, answer string, expired bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Status, f.Answer, f.Expired
}

// MarkSent transitions UNSENT to SENT and reports whether the transition
// happened, so a late send notification can never regress a flag that
// already carries a verdict.
func (f *Flag) MarkSent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Status != StatusUnsent {
		return false
	}
	f.Status = StatusSent
	return true
}

// SetVerdict records a judge reply: the answer text plus ANSWERED or
// BAD_ANSWERED.
func (f *Flag) SetVerdict(answer string, bad bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Answer = answer
	if bad {
		f.Status = StatusBadAnswered
	} else {
		f.Status = StatusAnswered
	}
}

// MarkExpired flags the record as expired.
func (f *Flag) MarkExpired() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Expired = true
}

// IsExpired reports whether the flag has been expired.
func (f *Flag) IsExpired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Expired
}

// AttachSender points the flag at a (new) submitting connection.
func (f *Flag) AttachSender(sender Replier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sender = sender
}

// Weight is the send-priority tier of a flag's status. The waiting queue
// sorts ascending by (Weight, SubmittedAt), so never-sent flags go out
// before retries of already-sent ones.
func (f *Flag) Weight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.Status {
	case StatusUnsent:
		return 0
	case StatusSent:
		return 1
	case StatusBadAnswered:
		return 2
	default:
		return 3
	}
}

// Less orders flags for the waiting queue: status tier ascending, then
// submission time ascending. Stable relative ordering within a tier.
func (f *Flag) Less(other *Flag) bool {
	fw, ow := f.Weight(), other.Weight()
	if fw != ow {
		return fw < ow
	}
	return f.SubmittedAt.Before(other.SubmittedAt)
}

// ReplyTo echoes a line to the flag's submitter if the connection is
// still around. No-op otherwise.
func (f *Flag) ReplyTo(line string) {
	f.mu.Lock()
	sender := f.Sender
	f.mu.Unlock()
	if sender != nil && sender.Alive() {
		sender.Reply(line)
	}
}
