package notify

import (
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/flagyard/internal/relay"
	"github.com/zulandar/flagyard/internal/store"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []relay.Update
}

func (s *recordingSink) Publish(update relay.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func TestMultiFanOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := NewMulti(a, nil, b)

	m.Publish(relay.Update{Event: "status", Status: "READY"})

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("sinks got %d/%d updates, want 1/1", a.count(), b.count())
	}
}

func TestChatMessage(t *testing.T) {
	cases := []struct {
		name   string
		update relay.Update
		want   string
		ok     bool
	}{
		{
			name:   "link up",
			update: relay.Update{Event: "status", Status: "READY"},
			want:   "Judge connection is up",
			ok:     true,
		},
		{
			name:   "link down",
			update: relay.Update{Event: "status", Status: "REFUSED"},
			want:   "Judge connection is down (REFUSED)",
			ok:     true,
		},
		{
			name:   "connecting is quiet",
			update: relay.Update{Event: "status", Status: "CONNECTING"},
		},
		{
			name: "expiry digest",
			update: relay.Update{Event: "expired", Flags: []relay.FlagUpdate{
				{Value: "aaa=", Expired: true}, {Value: "bbb=", Expired: true},
			}},
			want: "2 flags expired without a terminal verdict",
			ok:   true,
		},
		{
			name: "accept digest",
			update: relay.Update{Event: "answered", Flags: []relay.FlagUpdate{
				{Value: "aaa=", Answer: "Accepted"},
				{Value: "bbb=", Answer: "Denied: Too old"},
			}},
			want: "1 of 2 answered flags accepted",
			ok:   true,
		},
		{
			name: "no accepts is quiet",
			update: relay.Update{Event: "answered", Flags: []relay.FlagUpdate{
				{Value: "aaa=", Answer: "Denied: Too old"},
			}},
		},
		{
			name:   "per-flag churn is quiet",
			update: relay.Update{Event: "new", Flags: []relay.FlagUpdate{{Value: "aaa="}}},
		},
		{
			name: "statistics digest",
			update: relay.Update{Event: "digest", Status: "READY", Digest: &store.Statistics{
				Total: 10, Accepted: 4, Answered: 6, Unsent: 3, Expired: 1,
			}},
			want: "Flags: 10 total, 4 accepted, 6 answered, 3 unsent, 1 expired (judge: READY)",
			ok:   true,
		},
		{
			name:   "digest without statistics is quiet",
			update: relay.Update{Event: "digest"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := chatMessage(c.update, "Accepted")
			if ok != c.ok || got != c.want {
				t.Errorf("chatMessage = %q, %t; want %q, %t", got, ok, c.want, c.ok)
			}
		})
	}
}

type mockSlack struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockSlack) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, channelID)
	return channelID, "ts", nil
}

func TestSlackNotifier(t *testing.T) {
	mock := &mockSlack{}
	n := newSlackNotifier(mock, "#ctf", "Accepted", nil)

	n.Publish(relay.Update{Event: "status", Status: "READY"})
	n.Publish(relay.Update{Event: "new"}) // quiet

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.messages) != 1 || mock.messages[0] != "#ctf" {
		t.Errorf("posted %v, want one message to #ctf", mock.messages)
	}
}

type mockDiscord struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockDiscord) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, content)
	return &discordgo.Message{Content: content}, nil
}

func TestDiscordNotifier(t *testing.T) {
	mock := &mockDiscord{}
	n := newDiscordNotifier(mock, "1234", "Accepted", nil)

	n.Publish(relay.Update{Event: "status", Status: "RESET"})
	n.Publish(relay.Update{Event: "sent"}) // quiet

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.messages) != 1 || mock.messages[0] != "Judge connection is down (RESET)" {
		t.Errorf("posted %v", mock.messages)
	}
}
