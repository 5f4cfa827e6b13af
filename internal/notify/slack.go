package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/transition"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const (
	slackMaxBlocks = 50
	// header block + context block in each message
	slackReservedBlocks = 2
	slackMaxTransitions = slackMaxBlocks - slackReservedBlocks
)

// SlackNotifier posts health transitions to a Slack incoming webhook as block kit messages.
type SlackNotifier struct {
	logger   zerolog.Logger
	delivery *deliverer
}

// NewSlackNotifier creates a Slack notifier, or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...DeliveryOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	policy := defaultPolicy()
	for _, opt := range opts {
		opt(&policy)
	}

	return &SlackNotifier{
		logger:   logger,
		delivery: newDeliverer(logger, "slack", webhookURL, policy),
	}
}

// Notify implements Notifier. Large batches are split across several messages.
func (n *SlackNotifier) Notify(ctx context.Context, source string, transitions []transition.Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	source = sourceOrDefault(source)
	if err := n.delivery.admit(ctx, source); err != nil {
		return err
	}

	messages := buildSlackMessages(source, transitions)
	for i, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		if err := n.delivery.deliver(ctx, payload); err != nil {
			return fmt.Errorf("slack message %d/%d: %w", i+1, len(messages), err)
		}
	}

	n.logger.Debug().
		Str("source", source).
		Int("transitions", len(transitions)).
		Int("messages", len(messages)).
		Msg("slack notification sent")
	return nil
}

func buildSlackMessages(source string, transitions []transition.Transition) []slack.WebhookMessage {
	if len(transitions) == 0 {
		return nil
	}

	total := len(transitions)
	chunkTotal := (total + slackMaxTransitions - 1) / slackMaxTransitions
	messages := make([]slack.WebhookMessage, 0, chunkTotal)

	for i := 0; i < total; i += slackMaxTransitions {
		end := min(i+slackMaxTransitions, total)
		partIndex := (i / slackMaxTransitions) + 1
		messages = append(messages, buildSlackMessage(source, transitions[i:end], total, partIndex, chunkTotal))
	}
	return messages
}

func buildSlackMessage(source string, transitions []transition.Transition, total int, partIndex int, partTotal int) slack.WebhookMessage {
	summary := fmt.Sprintf("JARVIS %s: %d health transition(s)", source, total)
	if partTotal > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, partIndex, partTotal)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))
	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Instance: *%s*", source), false, false),
	}
	if partTotal > 1 {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Batch: %d/%d", partIndex, partTotal), false, false))
	}
	context := slack.NewContextBlock("", contextElements...)

	blocks := []slack.Block{header, context}
	for _, change := range transitions {
		blocks = append(blocks, buildTransitionBlock(change))
	}

	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}

func buildTransitionBlock(change transition.Transition) slack.Block {
	title := fmt.Sprintf("%s *%s*: `%s` → `%s`", statusEmoji(change.Current), change.Name, statusLabel(change.Previous), statusLabel(change.Current))
	text := slack.NewTextBlockObject("mrkdwn", title, false, false)

	fields := make([]*slack.TextBlockObject, 0, 2)
	if change.Message != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Message:*\n"+change.Message, false, false))
	}
	if change.Error != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Error:*\n`"+change.Error+"`", false, false))
	}
	if len(fields) == 0 {
		fields = nil
	}

	return slack.NewSectionBlock(text, fields, nil)
}

func statusEmoji(status health.Status) string {
	switch status {
	case health.StatusHealthy:
		return ":large_green_circle:"
	case health.StatusDegraded:
		return ":large_yellow_circle:"
	case health.StatusUnhealthy:
		return ":red_circle:"
	default:
		return ":white_circle:"
	}
}

func statusLabel(status health.Status) string {
	if status == "" {
		return "UNKNOWN"
	}
	return string(status)
}
