package handler

import (
	"log/slog"
	"net/http"

	"cartsync/internal/model"
	"cartsync/internal/remote"
)

// MergeStatusHeader reports whether a merge was applied or was a replay.
const MergeStatusHeader = "Cart-Merge-Status"

// handleGetCart returns the caller's cart.
// GET /cart
func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	cart, err := h.svc.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, model.ToResponse(cart))
}

// handleAddItem adds a product or increments its line.
// POST /cart/items
func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := userFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req model.AddItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.ProductRef == "" {
		h.writeError(w, r, model.NewValidationError("product_ref", "required"))
		return
	}

	h.logger.InfoContext(ctx, "adding item",
		slog.String("user_id", userID),
		slog.String("product_ref", req.ProductRef),
		slog.Int("quantity", req.Quantity),
	)

	cart, err := h.svc.AddItem(ctx, userID, req.ProductRef, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, model.ToResponse(cart))
}

// handleUpdateItem sets a line's quantity.
// PUT /cart/items/{productRef}
func (h *Handler) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ref := r.PathValue("productRef")

	var req model.UpdateItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	cart, err := h.svc.UpdateItem(r.Context(), userID, ref, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, model.ToResponse(cart))
}

// handleRemoveItem deletes a line.
// DELETE /cart/items/{productRef}
func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	cart, err := h.svc.RemoveItem(r.Context(), userID, r.PathValue("productRef"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, model.ToResponse(cart))
}

// handleClearCart empties the cart.
// DELETE /cart
func (h *Handler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.svc.Clear(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMerge folds a guest cart into the caller's cart.
// POST /cart/merge
//
// The Cart-Merge header's key makes the call idempotent: a replay answers
// with the current cart and Cart-Merge-Status: duplicate.
func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := userFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var meta remote.MergeMeta
	if raw := r.Header.Get(remote.MergeHeader); raw != "" {
		if meta, err = remote.ParseMergeHeader(raw); err != nil {
			h.writeError(w, r, model.NewValidationError(remote.MergeHeader, err.Error()))
			return
		}
	}

	var req model.MergeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if meta.Lines != 0 && meta.Lines != len(req.Items) {
		h.writeError(w, r, model.NewValidationError("items", "line count does not match Cart-Merge header"))
		return
	}

	res, err := h.svc.Merge(ctx, userID, meta.Key, req.Items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(res.Skipped) > 0 {
		h.logger.WarnContext(ctx, "merge skipped unknown products",
			slog.String("user_id", userID),
			slog.Any("product_refs", res.Skipped),
		)
	}
	status := "applied"
	if !res.Applied {
		status = "duplicate"
	}
	w.Header().Set(MergeStatusHeader, status)
	h.writeJSON(w, http.StatusOK, model.ToResponse(res.Cart))
}

// handleProducts lists the catalog.
// GET /products
func (h *Handler) handleProducts(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, model.ToProductResponses(h.svc.Products()))
}
