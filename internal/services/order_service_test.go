package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/idempotency"
)

type orderServiceFixture struct {
	orders  *stubOrderRepo
	carts   *stubCartRepo
	coupons *stubCouponService
	credits *stubCreditService
	store   idempotency.Store
	service OrderService
}

type capturingPublisher struct {
	published []domain.Order
	err       error
}

func (p *capturingPublisher) PublishPaidOrder(_ context.Context, order domain.Order) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.published = append(p.published, order)
	return "msg-1", nil
}

func newOrderServiceFixture(t *testing.T, publisher ProvisioningPublisher) *orderServiceFixture {
	t.Helper()
	fx := &orderServiceFixture{
		orders:  &stubOrderRepo{},
		carts:   &stubCartRepo{},
		coupons: &stubCouponService{},
		credits: &stubCreditService{},
		store:   idempotency.NewMemoryStore(),
	}
	counter := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      fx.orders,
		Carts:       fx.carts,
		Coupons:     fx.coupons,
		Credits:     fx.credits,
		Idempotency: fx.store,
		Publisher:   publisher,
		Clock:       fixedClock,
		IDGen: func() string {
			counter++
			return "order-" + strings.Repeat("0", 2) + string(rune('0'+counter))
		},
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	fx.service = svc
	return fx
}

func testSnapshot() domain.CartSnapshot {
	return domain.Cart{
		UserID:         "user-1",
		Items:          []domain.LineItem{subscriberItem("basic", 2999)},
		DiscountAmount: 500,
		CouponCode:     "SAVE5",
		Currency:       "USD",
	}.Snapshot(fixedClock())
}

func TestEnsureOrderCreatesOnce(t *testing.T) {
	created := map[string]domain.Order{}
	fx := newOrderServiceFixture(t, nil)
	fx.orders.create = func(_ context.Context, order domain.Order) error {
		created[order.ID] = order
		return nil
	}
	fx.orders.get = func(_ context.Context, orderID string) (domain.Order, error) {
		order, ok := created[orderID]
		if !ok {
			return domain.Order{}, errStubNotFound
		}
		return order, nil
	}

	cmd := EnsureOrderCommand{
		UserID:            "user-1",
		CheckoutSessionID: "cs-1",
		Snapshot:          testSnapshot(),
	}
	first, err := fx.service.EnsureOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("EnsureOrder: %v", err)
	}
	if first.Status != domain.OrderStatusPending {
		t.Fatalf("Status = %s, want pending", first.Status)
	}
	if first.Total != 2499 || first.Subtotal != 2999 || first.DiscountAmount != 500 {
		t.Fatalf("unexpected amounts: %+v", first)
	}

	// Replaying the same session and snapshot returns the same order.
	second, err := fx.service.EnsureOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("EnsureOrder replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay minted a new order: %s vs %s", second.ID, first.ID)
	}
	if len(created) != 1 {
		t.Fatalf("created %d orders, want 1", len(created))
	}
}

func TestEnsureOrderRejectsChangedSnapshot(t *testing.T) {
	fx := newOrderServiceFixture(t, nil)
	stored := map[string]domain.Order{}
	fx.orders.create = func(_ context.Context, order domain.Order) error {
		stored[order.ID] = order
		return nil
	}
	fx.orders.get = func(_ context.Context, orderID string) (domain.Order, error) {
		return stored[orderID], nil
	}

	base := EnsureOrderCommand{UserID: "user-1", CheckoutSessionID: "cs-1", Snapshot: testSnapshot()}
	if _, err := fx.service.EnsureOrder(context.Background(), base); err != nil {
		t.Fatalf("EnsureOrder: %v", err)
	}

	changed := base
	changed.Snapshot.Items = []domain.LineItem{subscriberItem("premium", 9999)}
	changed.Snapshot.Subtotal = 9999
	if _, err := fx.service.EnsureOrder(context.Background(), changed); !errors.Is(err, ErrSnapshotMismatch) {
		t.Fatalf("err = %v, want ErrSnapshotMismatch", err)
	}
}

func TestEnsureOrderResellerCredentialFailFast(t *testing.T) {
	storageTouched := false
	fx := newOrderServiceFixture(t, nil)
	fx.orders.create = func(context.Context, domain.Order) error {
		storageTouched = true
		return nil
	}

	snapshot := domain.Cart{
		UserID:   "user-1",
		Items:    []domain.LineItem{resellerItem("panel", 19999)},
		Currency: "USD",
	}.Snapshot(fixedClock())

	cases := []struct {
		name  string
		creds *domain.ResellerCredentials
	}{
		{"missing credentials", nil},
		{"uppercase username", &domain.ResellerCredentials{Username: "AB", Password: "longenough"}},
		{"username too long", &domain.ResellerCredentials{Username: strings.Repeat("a", 21), Password: "longenough"}},
		{"password too short", &domain.ResellerCredentials{Username: "reseller_1", Password: "short7c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.service.EnsureOrder(context.Background(), EnsureOrderCommand{
				UserID:            "user-1",
				CheckoutSessionID: "cs-" + tc.name,
				Snapshot:          snapshot,
				Credentials:       tc.creds,
			})
			if !errors.Is(err, ErrInvalidResellerCredentials) {
				t.Fatalf("err = %v, want ErrInvalidResellerCredentials", err)
			}
		})
	}
	if storageTouched {
		t.Fatalf("invalid credentials reached storage")
	}

	// The 8-character minimum is inclusive.
	order, err := fx.service.EnsureOrder(context.Background(), EnsureOrderCommand{
		UserID:            "user-1",
		CheckoutSessionID: "cs-ok",
		Snapshot:          snapshot,
		Credentials:       &domain.ResellerCredentials{Username: "reseller_1", Password: "exactly8"},
	})
	if err != nil {
		t.Fatalf("EnsureOrder with valid credentials: %v", err)
	}
	if order.ResellerCredentials == nil || order.ResellerCredentials.Username != "reseller_1" {
		t.Fatalf("credentials not carried on order: %+v", order.ResellerCredentials)
	}
}

func TestEnsureOrderReleasesReservationOnCreateFailure(t *testing.T) {
	fx := newOrderServiceFixture(t, nil)
	fail := true
	created := map[string]domain.Order{}
	fx.orders.create = func(_ context.Context, order domain.Order) error {
		if fail {
			return errStubUnavailable
		}
		created[order.ID] = order
		return nil
	}
	fx.orders.get = func(_ context.Context, orderID string) (domain.Order, error) {
		order, ok := created[orderID]
		if !ok {
			return domain.Order{}, errStubNotFound
		}
		return order, nil
	}

	cmd := EnsureOrderCommand{UserID: "user-1", CheckoutSessionID: "cs-1", Snapshot: testSnapshot()}
	if _, err := fx.service.EnsureOrder(context.Background(), cmd); !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("err = %v, want ErrOrderUnavailable", err)
	}

	// The reservation was released, so a retry can bind an order.
	fail = false
	order, err := fx.service.EnsureOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("EnsureOrder retry: %v", err)
	}
	if order.ID == "" {
		t.Fatalf("retry did not create an order")
	}
}

func TestGetOrderEnforcesOwnership(t *testing.T) {
	fx := newOrderServiceFixture(t, nil)
	fx.orders.get = func(context.Context, string) (domain.Order, error) {
		return domain.Order{ID: "order-1", UserID: "user-1"}, nil
	}

	if _, err := fx.service.GetOrder(context.Background(), "user-2", "order-1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
	if _, err := fx.service.GetOrder(context.Background(), "user-1", "order-1"); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
}

func TestOrderForSessionEnforcesOwnership(t *testing.T) {
	fx := newOrderServiceFixture(t, nil)
	fx.orders.findBySession = func(_ context.Context, checkoutSessionID string) (domain.Order, error) {
		return domain.Order{ID: "order-1", UserID: "user-1", CheckoutSessionID: checkoutSessionID}, nil
	}

	if _, err := fx.service.OrderForSession(context.Background(), "user-2", "cs-1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
	order, err := fx.service.OrderForSession(context.Background(), "user-1", "cs-1")
	if err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if order.CheckoutSessionID != "cs-1" {
		t.Fatalf("CheckoutSessionID = %q, want cs-1", order.CheckoutSessionID)
	}
}

func TestMarkPaidRunsReconciliation(t *testing.T) {
	publisher := &capturingPublisher{}
	fx := newOrderServiceFixture(t, publisher)

	order := domain.Order{
		ID:             "order-1",
		UserID:         "user-1",
		Items:          []domain.LineItem{subscriberItem("basic", 2999)},
		Subtotal:       2999,
		DiscountAmount: 500,
		CouponCode:     "SAVE5",
		CreditsUsed:    300,
		Total:          2199,
		Currency:       "USD",
		PaymentMethod:  domain.MethodManual,
		Status:         domain.OrderStatusAwaitingPayment,
	}
	fx.orders.get = func(context.Context, string) (domain.Order, error) { return order, nil }

	var statusSet domain.OrderStatus
	var paidAtSet *time.Time
	fx.orders.updateStatus = func(_ context.Context, _ string, status domain.OrderStatus, _ string, paidAt *time.Time) error {
		statusSet = status
		paidAtSet = paidAt
		return nil
	}
	var redeemed *RedeemCouponCommand
	fx.coupons.redeem = func(_ context.Context, cmd RedeemCouponCommand) error {
		redeemed = &cmd
		return nil
	}
	var deducted *DeductCreditsCommand
	fx.credits.deduct = func(_ context.Context, cmd DeductCreditsCommand) (domain.CreditBalance, error) {
		deducted = &cmd
		return domain.CreditBalance{UserID: cmd.UserID}, nil
	}
	cartCleared := false
	fx.carts.clear = func(context.Context, string) error {
		cartCleared = true
		return nil
	}

	paid, err := fx.service.MarkPaid(context.Background(), MarkPaidCommand{
		OrderID:           "order-1",
		Method:            domain.MethodManual,
		ProviderReference: "manual_order-1",
	})
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if statusSet != domain.OrderStatusPaid || paidAtSet == nil {
		t.Fatalf("status not persisted: %s %v", statusSet, paidAtSet)
	}
	if paid.Status != domain.OrderStatusPaid || paid.PaidAt == nil {
		t.Fatalf("returned order not paid: %+v", paid)
	}
	if redeemed == nil || redeemed.Code != "SAVE5" || redeemed.OrderID != "order-1" {
		t.Fatalf("coupon not redeemed: %+v", redeemed)
	}
	if deducted == nil || deducted.Amount != 300 {
		t.Fatalf("credits not deducted: %+v", deducted)
	}
	if !cartCleared {
		t.Fatalf("cart not cleared")
	}
	if len(publisher.published) != 1 || publisher.published[0].ID != "order-1" {
		t.Fatalf("provisioning event not published: %+v", publisher.published)
	}
}

func TestMarkPaidIdempotent(t *testing.T) {
	fx := newOrderServiceFixture(t, nil)
	paidAt := fixedClock()
	fx.orders.get = func(context.Context, string) (domain.Order, error) {
		return domain.Order{ID: "order-1", UserID: "user-1", Status: domain.OrderStatusPaid, PaidAt: &paidAt}, nil
	}
	updated := false
	fx.orders.updateStatus = func(context.Context, string, domain.OrderStatus, string, *time.Time) error {
		updated = true
		return nil
	}

	order, err := fx.service.MarkPaid(context.Background(), MarkPaidCommand{OrderID: "order-1"})
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("Status = %s", order.Status)
	}
	if updated {
		t.Fatalf("paid order was rewritten")
	}
}

func TestMarkFailedOnTerminalOrder(t *testing.T) {
	fx := newOrderServiceFixture(t, nil)
	fx.orders.get = func(context.Context, string) (domain.Order, error) {
		return domain.Order{ID: "order-1", Status: domain.OrderStatusCancelled}, nil
	}

	if err := fx.service.MarkFailed(context.Background(), "order-1", "gateway declined"); !errors.Is(err, ErrOrderTerminal) {
		t.Fatalf("err = %v, want ErrOrderTerminal", err)
	}
}

func TestSetPaymentMethodValidatesMethod(t *testing.T) {
	fx := newOrderServiceFixture(t, nil)
	if err := fx.service.SetPaymentMethod(context.Background(), "order-1", "venmo"); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("err = %v, want ErrOrderInvalidInput", err)
	}
	if err := fx.service.SetPaymentMethod(context.Background(), "order-1", domain.MethodStripe); err != nil {
		t.Fatalf("SetPaymentMethod: %v", err)
	}
}
