package services

import (
	"context"
	"errors"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/jobs"
)

// provisioningEventPublisher is the jobs-layer seam, satisfied by
// jobs.PubSubProvisioningPublisher.
type provisioningEventPublisher interface {
	PublishProvisioningEvent(ctx context.Context, event jobs.ProvisioningEvent) (string, error)
}

type jobsProvisioningPublisher struct {
	publisher provisioningEventPublisher
}

// NewProvisioningPublisher adapts the jobs publisher to the order service's
// ProvisioningPublisher seam.
func NewProvisioningPublisher(publisher provisioningEventPublisher) (ProvisioningPublisher, error) {
	if publisher == nil {
		return nil, errors.New("provisioning publisher: jobs publisher is required")
	}
	return &jobsProvisioningPublisher{publisher: publisher}, nil
}

var _ ProvisioningPublisher = (*jobsProvisioningPublisher)(nil)

func (p *jobsProvisioningPublisher) PublishPaidOrder(ctx context.Context, order domain.Order) (string, error) {
	event := jobs.ProvisioningEvent{
		OrderID:       order.ID,
		UserID:        order.UserID,
		PaymentMethod: string(order.PaymentMethod),
		TotalDue:      order.Total,
		Currency:      order.Currency,
		Items:         make([]jobs.ProvisioningItem, 0, len(order.Items)),
	}
	if order.PaidAt != nil {
		event.PaidAt = *order.PaidAt
	}
	for _, item := range order.Items {
		provisioned := jobs.ProvisioningItem{
			ProductID:        item.ProductID,
			ActionType:       string(item.ActionType),
			AccountType:      string(item.AccountType),
			TermMonths:       item.TermMonths,
			RenewalServiceID: item.RenewalServiceID,
		}
		if item.AccountType == domain.AccountTypeReseller && order.ResellerCredentials != nil {
			provisioned.ResellerUsername = order.ResellerCredentials.Username
		}
		event.Items = append(event.Items, provisioned)
	}
	return p.publisher.PublishProvisioningEvent(ctx, event)
}
