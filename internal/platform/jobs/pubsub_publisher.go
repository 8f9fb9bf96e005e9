package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
)

// ProvisioningItem describes a single subscription action the downstream
// provisioning worker must apply once an order is paid.
type ProvisioningItem struct {
	ProductID        string `json:"productId"`
	ActionType       string `json:"actionType"`
	AccountType      string `json:"accountType"`
	TermMonths       int    `json:"termMonths"`
	RenewalServiceID string `json:"renewalServiceId,omitempty"`
	ResellerUsername string `json:"resellerUsername,omitempty"`
}

// ProvisioningEvent is published when an order transitions to paid.
type ProvisioningEvent struct {
	OrderID       string             `json:"orderId"`
	UserID        string             `json:"userId"`
	PaymentMethod string             `json:"paymentMethod"`
	TotalDue      int64              `json:"totalDue"`
	Currency      string             `json:"currency"`
	Items         []ProvisioningItem `json:"items"`
	PaidAt        time.Time          `json:"paidAt"`
}

// PubSubProvisioningPublisher publishes provisioning events to a Pub/Sub topic.
type PubSubProvisioningPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubProvisioningPublisher constructs a Pub/Sub backed provisioning publisher.
func NewPubSubProvisioningPublisher(topic *pubsub.Topic) (*PubSubProvisioningPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub provisioning publisher: topic is required")
	}
	return &PubSubProvisioningPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishProvisioningEvent enqueues a provisioning event message on the configured topic.
func (p *PubSubProvisioningPublisher) PublishProvisioningEvent(ctx context.Context, event ProvisioningEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub provisioning publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal provisioning event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "userId", event.UserID)
	setAttr(attrs, "paymentMethod", event.PaymentMethod)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish provisioning event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
