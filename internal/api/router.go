package api

import "github.com/go-chi/chi/v5"

// Router mounts all routes on a fresh chi router.
func Router(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/orders", h.SubmitOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Delete("/orders/{side}/{id}", h.CancelOrder)
		r.Get("/orderbook", h.GetOrderBook)
		r.Get("/balance", h.GetBalance)
		r.Get("/positions", h.GetPositions)
		r.Get("/transactions", h.GetTransactions)
	})

	return r
}
