package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPubSubProvisioningPublisherPublishesEvent(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "provisioning-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubProvisioningPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubProvisioningPublisher: %v", err)
	}

	paidAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	event := ProvisioningEvent{
		OrderID:       "ord-1",
		UserID:        "user-1",
		PaymentMethod: "stripe",
		TotalDue:      2999,
		Currency:      "USD",
		Items: []ProvisioningItem{{
			ProductID:   "prod-iptv-basic",
			ActionType:  "extend",
			AccountType: "subscriber",
			TermMonths:  3,
		}},
		PaidAt: paidAt,
	}

	if _, err := publisher.PublishProvisioningEvent(ctx, event); err != nil {
		t.Fatalf("PublishProvisioningEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload ProvisioningEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != event.OrderID || len(payload.Items) != 1 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["paymentMethod"]; attr != "stripe" {
		t.Fatalf("expected paymentMethod attribute, got %q", attr)
	}
}

func TestNewPubSubProvisioningPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubProvisioningPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
