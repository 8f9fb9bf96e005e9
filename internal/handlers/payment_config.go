package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"

	"github.com/asherpoirier/iptvbcms-sub001/internal/gateway"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/config"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/textutil"
)

// PaymentConfigHandlers serves the public gateway configuration consumed by
// storefront clients before any authentication happens.
type PaymentConfigHandlers struct {
	registry *gateway.Registry
	gateways config.GatewaysConfig
	checkout config.CheckoutConfig
}

func NewPaymentConfigHandlers(registry *gateway.Registry, gateways config.GatewaysConfig, checkout config.CheckoutConfig) *PaymentConfigHandlers {
	return &PaymentConfigHandlers{registry: registry, gateways: gateways, checkout: checkout}
}

func (h *PaymentConfigHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/config", h.getConfig)
}

type methodConfigPayload struct {
	Method         string `json:"method"`
	Flow           string `json:"flow"`
	PublishableKey string `json:"publishableKey,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	ApplicationID  string `json:"applicationId,omitempty"`
	LocationID     string `json:"locationId,omitempty"`
	Sandbox        bool   `json:"sandbox,omitempty"`
	Confirmations  int    `json:"confirmations,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
}

type paymentConfigPayload struct {
	Methods        []methodConfigPayload `json:"methods"`
	Currency       string                `json:"currency"`
	CreditsEnabled bool                  `json:"creditsEnabled"`
}

func (h *PaymentConfigHandlers) getConfig(w http.ResponseWriter, r *http.Request) {
	instructions := h.manualInstructions(r.Header.Get("Accept-Language"))

	enabled := h.registry.Enabled()
	methods := make([]methodConfigPayload, 0, len(enabled))
	for _, method := range enabled {
		adapter, err := h.registry.Resolve(method)
		if err != nil {
			continue
		}
		entry := methodConfigPayload{
			Method: string(method),
			Flow:   string(adapter.FlowKind()),
		}
		switch method {
		case "manual":
			entry.Instructions = instructions
		case "stripe":
			entry.PublishableKey = h.gateways.Stripe.PublishableKey
		case "paypal":
			entry.ClientID = h.gateways.PayPal.ClientID
			entry.Sandbox = h.gateways.PayPal.Sandbox
		case "square":
			entry.ApplicationID = h.gateways.Square.ApplicationID
			entry.LocationID = h.gateways.Square.LocationID
			entry.Sandbox = h.gateways.Square.Sandbox
		case "blockonomics":
			entry.Confirmations = h.gateways.Blockonomics.Confirmations
		}
		methods = append(methods, entry)
	}

	writeJSONResponse(w, http.StatusOK, paymentConfigPayload{
		Methods:        methods,
		Currency:       h.gateways.Currency,
		CreditsEnabled: h.checkout.CreditsEnabled,
	})
}

// manualInstructions picks the best instruction translation for the
// Accept-Language header, falling back to English and then to any
// configured entry.
func (h *PaymentConfigHandlers) manualInstructions(acceptLanguage string) string {
	available := textutil.NormalizeLocaleMap(h.gateways.Manual.Instructions)
	if len(available) == 0 {
		return ""
	}

	tags := make([]language.Tag, 0, len(available))
	keys := make([]string, 0, len(available))
	if _, ok := available["en"]; ok {
		tags = append(tags, language.English)
		keys = append(keys, "en")
	}
	for key := range available {
		if key == "en" {
			continue
		}
		tag, err := language.Parse(key)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		keys = append(keys, key)
	}
	if len(tags) == 0 {
		return ""
	}

	matcher := language.NewMatcher(tags)
	preferred, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil {
		preferred = nil
	}
	_, index, _ := matcher.Match(preferred...)
	return available[keys[index]]
}
