// Package notify fans lifecycle updates out to external sinks: a Redis
// pub/sub channel for machine consumers and Slack/Discord channels for the
// team. Every sink is optional and best-effort; a failing sink is logged
// and never blocks the relay.
package notify

import (
	"fmt"

	"github.com/zulandar/flagyard/internal/relay"
)

// Multi fans one update out to several publishers.
type Multi struct {
	sinks []relay.Publisher
}

// NewMulti builds a fan-out publisher. Nil sinks are skipped.
func NewMulti(sinks ...relay.Publisher) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Publish implements relay.Publisher.
func (m *Multi) Publish(update relay.Update) {
	for _, s := range m.sinks {
		s.Publish(update)
	}
}

// chatMessage renders an update for human-facing channels. Only judge
// connection transitions and flag expiries are loud enough to post; the
// per-flag churn stays on the dashboard.
func chatMessage(update relay.Update, acceptedAnswer string) (string, bool) {
	switch update.Event {
	case "status":
		switch update.Status {
		case "READY":
			return "Judge connection is up", true
		case "CONNECTING", "NONE":
			return "", false
		default:
			return fmt.Sprintf("Judge connection is down (%s)", update.Status), true
		}
	case "expired":
		return fmt.Sprintf("%d flags expired without a terminal verdict", len(update.Flags)), true
	case "digest":
		if update.Digest == nil {
			return "", false
		}
		d := update.Digest
		return fmt.Sprintf("Flags: %d total, %d accepted, %d answered, %d unsent, %d expired (judge: %s)",
			d.Total, d.Accepted, d.Answered, d.Unsent, d.Expired, update.Status), true
	case "answered":
		accepted := 0
		for _, f := range update.Flags {
			if f.Answer == acceptedAnswer {
				accepted++
			}
		}
		if accepted == 0 {
			return "", false
		}
		return fmt.Sprintf("%d of %d answered flags accepted", accepted, len(update.Flags)), true
	default:
		return "", false
	}
}
