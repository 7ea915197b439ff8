package eventfabric

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	goslack "github.com/slack-go/slack"
)

// SlackSubscriber posts security-relevant envelopes to an ops channel. If
// botToken is empty the subscriber is a noop (logging only), so it can be
// attached unconditionally and enabled purely by configuration.
type SlackSubscriber struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackSubscriber creates a SlackSubscriber for the given channel.
func NewSlackSubscriber(botToken, channel string, logger *slog.Logger) *SlackSubscriber {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackSubscriber{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// IsEnabled returns true if the subscriber has a valid Slack client.
func (s *SlackSubscriber) IsEnabled() bool {
	return s.client != nil && s.channel != ""
}

// Attach registers the subscriber on fabric under id. The default filter
// covers the event types worth waking an operator for; a filter that sets
// EventTypes or Priorities replaces it, while any other filter fields are
// kept and combined with the default event types.
func (s *SlackSubscriber) Attach(fabric *Fabric, id string, filter Filter) {
	if len(filter.EventTypes) == 0 && len(filter.Priorities) == 0 {
		filter.EventTypes = map[EventType]struct{}{
			EventSecurityIncident:   {},
			EventVerificationFailed: {},
			EventIdentityDisabled:   {},
			EventDeviceRevoked:      {},
		}
	}
	fabric.Subscribe(id, filter, s.handle)
}

func (s *SlackSubscriber) handle(e Envelope) error {
	text := EnvelopeMessageText(e)
	if !s.IsEnabled() {
		s.logger.Debug("slack subscriber disabled, skipping post",
			"event_id", e.Id,
			"type", e.Type,
		)
		return nil
	}

	_, _, err := s.client.PostMessageContext(context.Background(), s.channel,
		goslack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("posting event to slack: %w", err)
	}
	return nil
}

// EnvelopeMessageText renders the single-line message posted for an
// envelope: emoji, type, principal, and correlation id for cross-linking
// against the audit stream.
func EnvelopeMessageText(e Envelope) string {
	var b strings.Builder
	b.WriteString(priorityEmoji(e.Priority))
	b.WriteString(" ")
	b.WriteString(string(e.Type))
	if p := e.Metadata["principal"]; p != "" {
		fmt.Fprintf(&b, " principal=%s", p)
	}
	if e.Correlation.Id != "" {
		fmt.Fprintf(&b, " correlation=%s", e.Correlation.Id)
	}
	return b.String()
}

func priorityEmoji(p Priority) string {
	switch p {
	case PriorityCritical:
		return ":rotating_light:"
	case PriorityHigh:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
