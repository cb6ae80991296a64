package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eoffice-suite/be-approvals/internal/natsclient"
	"github.com/eoffice-suite/be-approvals/internal/repository"
)

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>
// Event types: request_assigned, request_completed, request_rejected,
//              request_cancelled, request_wait_confirm, request_wait_quote,
//              request_resumed
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so notification failures never interrupt a transition.
type NotificationPublisher struct {
	nats          *natsclient.Client
	subjectPrefix string
	log           zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	RequestID    string         `json:"request_id"`
	RequestCode  string         `json:"request_code"`
	RequestType  string         `json:"request_type"`
	DepartmentID string         `json:"department_id"`
	Status       string         `json:"status"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats *natsclient.Client, subjectPrefix string, log zerolog.Logger) *NotificationPublisher {
	if subjectPrefix == "" {
		subjectPrefix = "notifications.approvals"
	}
	return &NotificationPublisher{nats: nats, subjectPrefix: subjectPrefix, log: log}
}

// PublishApprovalEvent publishes one approval event.
// Subject: <prefix>.<eventType>
func (p *NotificationPublisher) PublishApprovalEvent(
	ctx context.Context,
	eventType string,
	env *repository.RequestEnvelope,
	actorUserCode string,
	recipients []string,
	payload map[string]any,
) {
	if p.nats == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		RequestID:    env.ID,
		RequestCode:  env.Code,
		RequestType:  string(env.RequestType),
		DepartmentID: env.DepartmentID,
		Status:       string(env.Status),
		ActorID:      actorUserCode,
		Recipients:   recipients,
		IsActionable: eventType == "request_assigned",
		Severity:     "info",
		Category:     "approval",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", env.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", env.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
