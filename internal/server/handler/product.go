package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/discount"
	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// ProductHandler exposes the discount configuration of products.
type ProductHandler struct {
	products domain.ProductStore
	logger   *slog.Logger
}

// NewProductHandler creates a ProductHandler.
func NewProductHandler(products domain.ProductStore, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{products: products, logger: logger.With(slog.String("handler", "product"))}
}

// Get returns a product's discount configuration.
// GET /api/products/{id}
func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.GetProductDiscountConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get product", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Put creates or replaces a product's discount configuration.
// PUT /api/products/{id}
func (h *ProductHandler) Put(w http.ResponseWriter, r *http.Request) {
	var p domain.Product
	if err := decodeJSON(r, w, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.ID = r.PathValue("id")
	if !p.Buyable() {
		writeError(w, http.StatusUnprocessableEntity, "min_group_size must be at least 1")
		return
	}
	if err := discount.Validate(p.BaseDiscount, p.Tiers); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	p.UpdatedAt = time.Now().UTC()

	if err := h.products.Upsert(r.Context(), p); err != nil {
		writeDomainError(w, r, h.logger, "put product", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
