package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/ledgerpad/internal/middleware"
)

// SetupRouter настраивает маршруты и middleware локального API.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signin", h.SignIn)
		r.Post("/auth/signup", h.SignUp)
		r.Post("/auth/signout", h.SignOut)

		r.Get("/status", h.Status)
		r.Post("/resume", h.Resume)

		r.Group(func(r chi.Router) {
			r.Use(h.authGate.RequireAuth)

			r.Get("/items", h.GetItems)
			r.Post("/items", h.AddItem)
			r.Patch("/items/{id}", h.UpdateItem)
			r.Delete("/items/{id}", h.DeleteItem)

			r.Post("/purge", h.Purge)
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
