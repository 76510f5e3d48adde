package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/stamprally-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервера штамп-ралли.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/auth/me", h.Me)
		})

		r.Route("/users", func(r chi.Router) {
			r.Post("/register", h.Register)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Get("/me", h.Me)
				r.Get("/me/progress", h.GetProgress)
				r.Post("/me/stamps", h.RecordStamp)
				r.Patch("/me/coupons/{couponID}/use", h.UseCoupon)
			})
		})

		r.Route("/tenants", func(r chi.Router) {
			r.Post("/login", h.TenantLogin)
			r.Post("/reset-password", h.TenantResetPassword)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.TenantAdminMiddleware)

				r.Get("/me", h.TenantMe)
			})

			r.Get("/{tenantID}", h.GetTenantSeed)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
