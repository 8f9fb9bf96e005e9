package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/oklog/ulid/v2"
)

const (
	blockonomicsBaseURL = "https://www.blockonomics.co/api"

	satoshisPerBTC = 100_000_000

	defaultBTCConfirmations = 1
	blockonomicsSessionTTL  = 6 * time.Hour
)

// BlockonomicsAdapterConfig configures the BlockonomicsAdapter.
type BlockonomicsAdapterConfig struct {
	APIKey string
	// CallbackURL is registered as the wallet watcher's match_callback so a
	// fresh address is drawn from the merchant wallet for each session.
	CallbackURL string
	// ConfirmationsRequired is the chain depth treated as final. Zero means
	// the platform default of one confirmation.
	ConfirmationsRequired int
	// BaseURL overrides the API base URL, primarily for tests.
	BaseURL     string
	HTTPClient  *http.Client
	Clock       func() time.Time
	Logger      Logger
	IDGenerator func() string
}

// BlockonomicsAdapter handles direct Bitcoin payments: a deposit address is
// minted per session, the customer pays out of band, and confirmation is
// observed by polling the address history for a sufficiently deep
// transaction covering the expected amount.
type BlockonomicsAdapter struct {
	baseURL       string
	apiKey        string
	callbackURL   string
	confirmations int
	httpClient    *http.Client
	clock         func() time.Time
	logger        Logger
	newID         func() string
}

// NewBlockonomicsAdapter constructs a BlockonomicsAdapter.
func NewBlockonomicsAdapter(cfg BlockonomicsAdapterConfig) (*BlockonomicsAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("blockonomics: api key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = blockonomicsBaseURL
	}
	confirmations := cfg.ConfirmationsRequired
	if confirmations <= 0 {
		confirmations = defaultBTCConfirmations
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}

	return &BlockonomicsAdapter{
		baseURL:       baseURL,
		apiKey:        strings.TrimSpace(cfg.APIKey),
		callbackURL:   strings.TrimSpace(cfg.CallbackURL),
		confirmations: confirmations,
		httpClient:    httpClient,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
		newID:         newID,
	}, nil
}

// Method implements Adapter.
func (a *BlockonomicsAdapter) Method() domain.PaymentMethod { return domain.MethodBlockonomics }

// FlowKind implements Adapter.
func (a *BlockonomicsAdapter) FlowKind() Flow { return FlowAddress }

// CreateSession mints a deposit address and prices the order in satoshis at
// the current exchange rate.
func (a *BlockonomicsAdapter) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	if a == nil {
		return Session{}, errors.New("blockonomics: adapter is nil")
	}
	if req.Order.ID == "" {
		return Session{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if req.Order.Total <= 0 {
		return Session{}, fmt.Errorf("%w: order total must be positive", ErrInvalidInput)
	}

	address, err := a.newAddress(ctx)
	if err != nil {
		return Session{}, err
	}
	price, err := a.price(ctx, defaultString(req.Order.Currency, "USD"))
	if err != nil {
		return Session{}, err
	}

	usd := float64(req.Order.Total) / 100
	btc := usd / price
	sats := int64(btc * satoshisPerBTC)
	if sats <= 0 {
		return Session{}, fmt.Errorf("%w: amount below one satoshi", ErrInvalidInput)
	}

	now := a.clock()
	expiresAt := now.Add(blockonomicsSessionTTL)
	a.logger(ctx, "gateway.blockonomics.address.created", map[string]any{
		"orderId":  req.Order.ID,
		"address":  address,
		"sats":     sats,
		"btcPrice": price,
	})

	return Session{
		ID:                    a.newID(),
		OrderID:               req.Order.ID,
		UserID:                req.Order.UserID,
		Method:                domain.MethodBlockonomics,
		Flow:                  FlowAddress,
		State:                 SessionAwaitingConfirmation,
		Reference:             address,
		Address:               address,
		QRPayload:             fmt.Sprintf("bitcoin:%s?amount=%.8f", address, btc),
		ExpectedSats:          sats,
		ConfirmationsRequired: a.confirmations,
		Amount:                req.Order.Total,
		Currency:              strings.ToUpper(defaultString(req.Order.Currency, "USD")),
		ExpiresAt:             &expiresAt,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

type blockonomicsHistoryResponse struct {
	History []struct {
		TxID string `json:"txid"`
		// Status is chain depth bucketed by the provider:
		// 0 unconfirmed, 1 partially confirmed, 2 confirmed.
		Status int   `json:"status"`
		Value  int64 `json:"value"`
		Time   int64 `json:"time"`
	} `json:"history"`
}

// Confirm checks the deposit address for a transaction covering the expected
// amount and reports partial confirmation depth while it settles.
func (a *BlockonomicsAdapter) Confirm(ctx context.Context, session Session, _ ConfirmRequest) (ConfirmResult, error) {
	if a == nil {
		return ConfirmResult{}, errors.New("blockonomics: adapter is nil")
	}
	if session.Address == "" {
		return ConfirmResult{}, fmt.Errorf("%w: session address is required", ErrInvalidInput)
	}

	history, err := a.history(ctx, session.Address)
	if err != nil {
		return ConfirmResult{}, err
	}

	required := session.ConfirmationsRequired
	if required <= 0 {
		required = a.confirmations
	}

	// Take the deepest transaction that covers the expected amount; dust or
	// partial sends keep the session pending.
	received := -1
	for _, tx := range history.History {
		if tx.Value < session.ExpectedSats {
			continue
		}
		if tx.Status > received {
			received = tx.Status
		}
	}

	result := ConfirmResult{
		ConfirmationsRequired: required,
	}
	switch {
	case received < 0:
		result.Outcome = OutcomePending
		result.ProviderStatus = "awaiting_payment"
	case received >= required:
		result.Outcome = OutcomeSuccess
		result.ProviderStatus = "confirmed"
		result.ConfirmationsReceived = received
	default:
		result.Outcome = OutcomePending
		result.ProviderStatus = "unconfirmed"
		result.ConfirmationsReceived = received
	}

	a.logger(ctx, "gateway.blockonomics.address.status", map[string]any{
		"address":       session.Address,
		"confirmations": result.ConfirmationsReceived,
		"required":      required,
		"status":        result.ProviderStatus,
	})
	return result, nil
}

type blockonomicsAddressResponse struct {
	Address string `json:"address"`
}

func (a *BlockonomicsAdapter) newAddress(ctx context.Context) (string, error) {
	endpoint := a.baseURL + "/new_address"
	query := url.Values{}
	if a.callbackURL != "" {
		query.Set("match_callback", a.callbackURL)
	}
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("blockonomics: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: blockonomics new_address status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded blockonomicsAddressResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode address: %v", ErrUnavailable, err)
	}
	if decoded.Address == "" {
		return "", fmt.Errorf("%w: empty deposit address", ErrUnavailable)
	}
	return decoded.Address, nil
}

type blockonomicsPriceResponse struct {
	Price float64 `json:"price"`
}

func (a *BlockonomicsAdapter) price(ctx context.Context, currency string) (float64, error) {
	endpoint := fmt.Sprintf("%s/price?currency=%s", a.baseURL, url.QueryEscape(strings.ToUpper(currency)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("blockonomics: build request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: blockonomics price status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded blockonomicsPriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("%w: decode price: %v", ErrUnavailable, err)
	}
	if decoded.Price <= 0 {
		return 0, fmt.Errorf("%w: invalid exchange rate", ErrUnavailable)
	}
	return decoded.Price, nil
}

func (a *BlockonomicsAdapter) history(ctx context.Context, address string) (blockonomicsHistoryResponse, error) {
	payload, err := json.Marshal(map[string]string{"addr": address})
	if err != nil {
		return blockonomicsHistoryResponse{}, fmt.Errorf("blockonomics: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/searchhistory", bytes.NewReader(payload))
	if err != nil {
		return blockonomicsHistoryResponse{}, fmt.Errorf("blockonomics: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return blockonomicsHistoryResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return blockonomicsHistoryResponse{}, fmt.Errorf("%w: blockonomics searchhistory status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded blockonomicsHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return blockonomicsHistoryResponse{}, fmt.Errorf("%w: decode history: %v", ErrUnavailable, err)
	}
	return decoded, nil
}
