package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(AttachRequestMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handler.Health)

	r.Group(func(r chi.Router) {
		r.Use(RequireTenant)
		r.Post("/orders", handler.CreateOrder)
		r.Get("/orders/{id}", handler.GetOrderByID)
		r.Get("/orders/{id}/saga", handler.GetSagaStatus)
		r.Post("/orders/{id}/cancel", handler.CancelOrder)
		r.Post("/orders/{id}/fulfillment/start", handler.StartFulfillment)
		r.Post("/orders/{id}/fulfillment/complete", handler.CompleteFulfillment)
	})

	// Providers sign their callbacks; tenant resolution happens per
	// delivery, not through RequireTenant.
	r.Post("/webhooks/payments/{gateway}", handler.PaymentWebhook)

	return r
}
