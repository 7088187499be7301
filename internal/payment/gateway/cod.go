package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CODGateway handles cash-on-delivery orders. Nothing is charged up front:
// every call succeeds immediately and settlement happens at the door.
type CODGateway struct {
	priority float64
}

func NewCODGateway(priority float64) *CODGateway {
	return &CODGateway{priority: priority}
}

func (g *CODGateway) Name() string           { return "cod" }
func (g *CODGateway) Supports(m Method) bool { return m == MethodCOD }
func (g *CODGateway) Priority() float64      { return g.priority }

func (g *CODGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResponse, error) {
	ref := "cod_" + uuid.NewString()
	raw, _ := json.Marshal(map[string]string{"reference": ref, "status": "captured"})
	return ChargeResponse{Status: StatusCaptured, ProviderRef: ref, Raw: raw}, nil
}

func (g *CODGateway) Refund(ctx context.Context, providerRef string, amountCents int64) (RefundResponse, error) {
	return RefundResponse{Status: StatusRefunded}, nil
}

func (g *CODGateway) Verify(ctx context.Context, providerRef string) (VerifyResponse, error) {
	if providerRef == "" {
		return VerifyResponse{}, fmt.Errorf("gateway cod: empty provider reference")
	}
	return VerifyResponse{Status: StatusCaptured}, nil
}
