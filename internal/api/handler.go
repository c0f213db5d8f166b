// Package api содержит служебные HTTP-маршруты: состояние сессии и подписок,
// ручное удаление и пересоздание подписок.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/internal/session"
	"github.com/YaganovValera/openapi-streamer/internal/subscription"
)

// Session: то, что маршрутам нужно от контроллера соединения.
type Session interface {
	Info() session.Info
	Disconnect(ctx context.Context) error
}

// Subscriptions: то, что маршрутам нужно от оркестратора и реестра.
type Subscriptions interface {
	List() []subscription.Info
	RemoveByName(ctx context.Context, name string) error
	RecreateAll(ctx context.Context, targets ...string) error
}

type Handler struct {
	sess Session
	subs Subscriptions
	log  *logger.Logger
}

func NewHandler(sess Session, subs Subscriptions, log *logger.Logger) *Handler {
	return &Handler{sess: sess, subs: subs, log: log.Named("api")}
}

// Mount регистрирует маршруты на r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/session", h.GetSession)
	r.Post("/session/disconnect", h.Disconnect)
	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", h.ListSubscriptions)
		r.Post("/recreate", h.Recreate)
		r.Delete("/{name}", h.DeleteSubscription)
	})
}

func (h *Handler) GetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sess.Info())
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	err := h.sess.Disconnect(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrNotConnected):
		writeError(w, http.StatusConflict, "not connected")
	default:
		h.log.WithContext(r.Context()).Error("disconnect failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "disconnect failed")
	}
}

type listResponse struct {
	Subscriptions []subscription.Info `json:"subscriptions"`
}

func (h *Handler) ListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	list := h.subs.List()
	if list == nil {
		list = []subscription.Info{}
	}
	writeJSON(w, http.StatusOK, listResponse{Subscriptions: list})
}

func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := h.subs.RemoveByName(r.Context(), name)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrUnknownSubscription):
		writeError(w, http.StatusNotFound, "unknown subscription")
	default:
		h.log.WithContext(r.Context()).Error("remove subscription failed",
			zap.String("subscription", name), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// Recreate пересоздаёт все активные подписки (или перечисленные в ?ref=).
func (h *Handler) Recreate(w http.ResponseWriter, r *http.Request) {
	targets := r.URL.Query()["ref"]
	if err := h.subs.RecreateAll(r.Context(), targets...); err != nil {
		h.log.WithContext(r.Context()).Error("recreate failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
