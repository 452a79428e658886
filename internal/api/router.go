/**
 * @description
 * This file sets up the HTTP router for the packet service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser and mini-app clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// PacketRoutes creates and returns a new router for the packet service.
func PacketRoutes(h *PacketHandlers, auth AuthConfig, internalKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Packet status is public so a shared packet link can be previewed before sign-in.
	r.Get("/packets/{packetID}", h.GetPacketHandler)

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(auth))

		r.Post("/packets", h.CreatePacketHandler)
		r.Post("/packets/{packetID}/claim", h.ClaimPacketHandler)
		r.Get("/accounts/me/balances/{currency}", h.GetBalanceHandler)
		r.Get("/accounts/me/history", h.GetHistoryHandler)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Post("/packets/expire", h.ExpireDuePacketsHandler)
		r.Post("/packets/{packetID}/refund", h.RefundPacketHandler)
		r.Post("/packets/{packetID}/force-complete", h.ForceCompleteHandler)
		r.Post("/ledger/entries", h.RecordEntryHandler)
		r.Post("/ledger/rebuild", h.RebuildBalanceHandler)
		r.Post("/reconcile/run", h.RunReconciliationHandler)
	})

	return r
}
