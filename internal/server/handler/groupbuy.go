package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// Engine is the formation engine as seen by the HTTP layer.
type Engine interface {
	Join(ctx context.Context, productID, buyerID string, quantity int) (domain.JoinResult, error)
	ConfirmPaymentResult(ctx context.Context, participantID string, success bool) error
	Withdraw(ctx context.Context, participantID string) error
	GetActiveGroupBuy(ctx context.Context, productID string) (domain.ActiveGroupBuy, error)
	Expire(ctx context.Context, groupID string) error
	Cancel(ctx context.Context, groupID string) error
}

// GroupBuyHandler serves the group formation endpoints.
type GroupBuyHandler struct {
	engine Engine
	logger *slog.Logger
}

// NewGroupBuyHandler creates a GroupBuyHandler.
func NewGroupBuyHandler(engine Engine, logger *slog.Logger) *GroupBuyHandler {
	return &GroupBuyHandler{engine: engine, logger: logger.With(slog.String("handler", "groupbuy"))}
}

type joinRequest struct {
	BuyerID  string `json:"buyer_id"`
	Quantity int    `json:"quantity"`
}

type joinResponse struct {
	ParticipantID   string          `json:"participant_id"`
	GroupID         string          `json:"group_id"`
	PreviewDiscount decimal.Decimal `json:"preview_discount"`
}

// Join registers a buyer in the product's forming group.
// POST /api/products/{id}/join
func (h *GroupBuyHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.BuyerID) == "" {
		writeError(w, http.StatusBadRequest, "buyer_id is required")
		return
	}

	res, err := h.engine.Join(r.Context(), r.PathValue("id"), req.BuyerID, req.Quantity)
	if err != nil {
		writeDomainError(w, r, h.logger, "join", err)
		return
	}
	writeJSON(w, http.StatusCreated, joinResponse{
		ParticipantID:   res.ParticipantID,
		GroupID:         res.GroupBuyID,
		PreviewDiscount: res.PreviewDiscount,
	})
}

type paymentRequest struct {
	Success *bool `json:"success"`
}

// Payment records the payment provider's verdict for a participant.
// POST /api/participants/{id}/payment
func (h *GroupBuyHandler) Payment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Success == nil {
		writeError(w, http.StatusBadRequest, "success is required")
		return
	}

	id := r.PathValue("id")
	if err := h.engine.ConfirmPaymentResult(r.Context(), id, *req.Success); err != nil {
		writeDomainError(w, r, h.logger, "payment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participant_id": id, "success": *req.Success})
}

// Withdraw takes a participant out of their group.
// POST /api/participants/{id}/withdraw
func (h *GroupBuyHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Withdraw(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"participant_id": id, "status": "withdrawn"})
}

// Active returns the product's forming group snapshot.
// GET /api/products/{id}/active
func (h *GroupBuyHandler) Active(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.GetActiveGroupBuy(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "active", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Expire closes a forming group as expired.
// POST /api/groups/{id}/expire
func (h *GroupBuyHandler) Expire(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, "expire", h.engine.Expire, domain.GroupStateExpired)
}

// Cancel closes a forming group as cancelled.
// POST /api/groups/{id}/cancel
func (h *GroupBuyHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, "cancel", h.engine.Cancel, domain.GroupStateCancelled)
}

func (h *GroupBuyHandler) close(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) error, state domain.GroupState) {
	id := r.PathValue("id")
	if err := fn(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"group_id": id, "state": string(state)})
}
