package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Poster abstracts the Slack API client for testing.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackSink posts notifications to a Slack channel from a background worker
// so Notify never blocks on the network.
type SlackSink struct {
	api     Poster
	channel string
	queue   chan Notification
	logger  zerolog.Logger
}

// NewSlackSink creates a sink posting with a bot token.
func NewSlackSink(botToken, channel string, logger zerolog.Logger) *SlackSink {
	return NewSlackSinkWithAPI(slack.New(botToken), channel, logger)
}

// NewSlackSinkWithAPI creates a sink with an injected client.
func NewSlackSinkWithAPI(api Poster, channel string, logger zerolog.Logger) *SlackSink {
	return &SlackSink{
		api:     api,
		channel: channel,
		queue:   make(chan Notification, 64),
		logger:  logger.With().Str("component", "notify.slack").Logger(),
	}
}

// Notify enqueues the message. When the buffer is full the message is
// dropped and logged.
func (s *SlackSink) Notify(message string, severity Severity) {
	select {
	case s.queue <- Notification{Message: message, Severity: severity}:
	default:
		s.logger.Warn().Str("message", message).Msg("Slack notification buffer full, dropping")
	}
}

// Run posts queued notifications until ctx is cancelled.
func (s *SlackSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.queue:
			_, _, err := s.api.PostMessageContext(ctx, s.channel,
				slack.MsgOptionText(n.Message, false),
				slack.MsgOptionBlocks(Blocks(n)...),
			)
			if err != nil {
				s.logger.Error().Err(err).Str("channel", s.channel).Msg("Failed to post notification")
			}
		}
	}
}

// Blocks renders a notification as Block Kit.
func Blocks(n Notification) []slack.Block {
	text := fmt.Sprintf("%s %s", icon(n.Severity), n.Message)
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", text, false, false),
			nil, nil,
		),
		slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", "domainsync · "+string(n.Severity), false, false),
		),
	}
}

func icon(s Severity) string {
	switch s {
	case Success:
		return ":white_check_mark:"
	case Warning:
		return ":warning:"
	case Error:
		return ":x:"
	default:
		return ":information_source:"
	}
}
