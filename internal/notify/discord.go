package notify

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/flagyard/internal/config"
	"github.com/zulandar/flagyard/internal/logging"
	"github.com/zulandar/flagyard/internal/relay"
)

// discordSession abstracts the discordgo methods we use, enabling test mocks.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts judge-link transitions and notable flag events to
// a Discord channel over the REST API. No gateway session is needed for
// outbound-only messages.
type DiscordNotifier struct {
	sess     discordSession
	channel  string
	accepted string
	logger   *logging.Logger
}

// NewDiscordNotifier creates a notifier from config.
func NewDiscordNotifier(cfg config.DiscordConfig, acceptedAnswer string, logger *logging.Logger) (*DiscordNotifier, error) {
	sess, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return newDiscordNotifier(sess, cfg.Channel, acceptedAnswer, logger), nil
}

func newDiscordNotifier(sess discordSession, channel, acceptedAnswer string, logger *logging.Logger) *DiscordNotifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DiscordNotifier{sess: sess, channel: channel, accepted: acceptedAnswer, logger: logger}
}

// Publish implements relay.Publisher.
func (n *DiscordNotifier) Publish(update relay.Update) {
	msg, ok := chatMessage(update, n.accepted)
	if !ok {
		return
	}

	var err error
	for attempt := 0; attempt < maxPostRetries; attempt++ {
		if _, err = n.sess.ChannelMessageSend(n.channel, msg); err == nil {
			return
		}
		time.Sleep(retryBackoff)
	}
	n.logger.Warningf("NOTIFY: discord post: %v", err)
}
