package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/transition"
	"github.com/rs/zerolog"
)

const defaultWebhookTemplate = `{"source":"{{ .Source }}","escalations":{{ .Escalations }},"transitions":{{ toJson .Transitions }}}`

// WebhookPayload is the data a webhook template renders.
type WebhookPayload struct {
	Source      string
	Transitions []transition.Transition
	Escalations int
	GeneratedAt time.Time
}

// WebhookNotifier renders transitions through a text/template and posts the result.
type WebhookNotifier struct {
	logger   zerolog.Logger
	template *template.Template
	delivery *deliverer
}

var webhookFuncs = template.FuncMap{
	"toJson": func(v any) (string, error) {
		encoded, err := json.Marshal(v)
		return string(encoded), err
	},
	"escalation": func(t transition.Transition) bool {
		return t.Escalation()
	},
}

// NewWebhookNotifier returns nil without an error when webhookURL is empty.
func NewWebhookNotifier(logger zerolog.Logger, webhookURL, tmpl string, opts ...DeliveryOption) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(webhookFuncs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	policy := defaultPolicy()
	for _, opt := range opts {
		opt(&policy)
	}

	return &WebhookNotifier{
		logger:   logger,
		template: parsed,
		delivery: newDeliverer(logger, "webhook", webhookURL, policy),
	}, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, source string, transitions []transition.Transition) error {
	if n == nil || len(transitions) == 0 {
		return nil
	}
	source = sourceOrDefault(source)

	var body bytes.Buffer
	err := n.template.Execute(&body, WebhookPayload{
		Source:      source,
		Transitions: transitions,
		Escalations: escalations(transitions),
		GeneratedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("render webhook template: %w", err)
	}

	if err := n.delivery.admit(ctx, source); err != nil {
		return err
	}
	if err := n.delivery.deliver(ctx, body.Bytes()); err != nil {
		return err
	}

	n.logger.Debug().Str("source", source).Int("transitions", len(transitions)).Msg("webhook notification sent")
	return nil
}
