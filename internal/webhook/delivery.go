package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wakala/fulfillment/internal/payment/gateway"
)

// Delivery is one normalized provider callback, ready for dispatch.
type Delivery struct {
	Gateway     string          `json:"gateway"`
	TenantID    string          `json:"tenant_id"`
	ProviderRef string          `json:"provider_ref"`
	Status      gateway.Status  `json:"status"`
	Raw         json.RawMessage `json:"raw"`
}

// payload covers the field spellings the supported providers use. Only the
// reference and status are required; everything else rides along in Raw.
type payload struct {
	ProviderRef string `json:"provider_ref"`
	Reference   string `json:"reference"`
	PaymentID   string `json:"payment_id"`
	Status      string `json:"status"`
	State       string `json:"state"`
}

// Parse normalizes a provider body into a Delivery. Unknown status strings
// are an error so misconfigured providers surface loudly instead of being
// silently dropped.
func Parse(gatewayName, tenantID string, body []byte) (Delivery, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Delivery{}, fmt.Errorf("webhook: malformed body from %s: %w", gatewayName, err)
	}

	ref := p.ProviderRef
	if ref == "" {
		ref = p.Reference
	}
	if ref == "" {
		ref = p.PaymentID
	}
	if ref == "" {
		return Delivery{}, fmt.Errorf("webhook: body from %s carries no provider reference", gatewayName)
	}

	raw := p.Status
	if raw == "" {
		raw = p.State
	}
	status, err := statusFrom(raw)
	if err != nil {
		return Delivery{}, fmt.Errorf("webhook: delivery from %s: %w", gatewayName, err)
	}

	return Delivery{
		Gateway:     gatewayName,
		TenantID:    tenantID,
		ProviderRef: ref,
		Status:      status,
		Raw:         json.RawMessage(body),
	}, nil
}

func statusFrom(raw string) (gateway.Status, error) {
	switch strings.ToUpper(raw) {
	case "CAPTURED", "COMPLETE", "COMPLETED", "PAID", "SUCCESS", "SUCCESSFUL":
		return gateway.StatusCaptured, nil
	case "AUTHORIZED", "AUTHORISED", "PENDING":
		return gateway.StatusAuthorized, nil
	case "DECLINED", "FAILED", "CANCELLED", "EXPIRED", "REJECTED":
		return gateway.StatusDeclined, nil
	case "REFUNDED":
		return gateway.StatusRefunded, nil
	default:
		return "", fmt.Errorf("unrecognized payment status %q", raw)
	}
}
