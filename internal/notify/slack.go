package notify

import (
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/flagyard/internal/config"
	"github.com/zulandar/flagyard/internal/logging"
	"github.com/zulandar/flagyard/internal/relay"
)

const (
	// maxPostRetries is the max number of retries for rate-limited posts.
	maxPostRetries = 3
	retryBackoff   = 2 * time.Second
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackNotifier posts judge-link transitions and notable flag events to a
// Slack channel.
type SlackNotifier struct {
	client   slackClient
	channel  string
	accepted string
	logger   *logging.Logger
}

// NewSlackNotifier creates a notifier from config. acceptedAnswer is the
// verdict counted as an accept in digests.
func NewSlackNotifier(cfg config.SlackConfig, acceptedAnswer string, logger *logging.Logger) *SlackNotifier {
	return newSlackNotifier(slackapi.New(cfg.BotToken), cfg.Channel, acceptedAnswer, logger)
}

func newSlackNotifier(client slackClient, channel, acceptedAnswer string, logger *logging.Logger) *SlackNotifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SlackNotifier{client: client, channel: channel, accepted: acceptedAnswer, logger: logger}
}

// Publish implements relay.Publisher.
func (n *SlackNotifier) Publish(update relay.Update) {
	msg, ok := chatMessage(update, n.accepted)
	if !ok {
		return
	}
	n.post(msg)
}

func (n *SlackNotifier) post(msg string) {
	var err error
	for attempt := 0; attempt < maxPostRetries; attempt++ {
		_, _, err = n.client.PostMessage(n.channel, slackapi.MsgOptionText(msg, false))
		if err == nil {
			return
		}
		if rl, ok := err.(*slackapi.RateLimitedError); ok {
			time.Sleep(rl.RetryAfter)
			continue
		}
		time.Sleep(retryBackoff)
	}
	n.logger.Warningf("NOTIFY: slack post: %v", err)
}
