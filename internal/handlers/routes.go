package handlers

import "github.com/go-chi/chi/v5"

func RegisterCommunicationRoutes(r chi.Router, h *CommunicationHandler) {
	r.Route("/api/communications", func(r chi.Router) {
		r.Post("/", h.Send)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/recipients/{recipientID}/read", h.MarkRead)
		r.Post("/{id}/recipients/{recipientID}/retry", h.Retry)
		r.Get("/{id}/files", h.ListFiles)
		r.Post("/{id}/files", h.AttachFiles)
		r.Get("/{id}/files/{fileID}", h.DownloadFile)
	})
}
