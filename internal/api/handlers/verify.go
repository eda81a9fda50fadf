package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"delivery-route-ledger/internal/api/dto"
	"delivery-route-ledger/internal/services"
)

type VerifyHandler struct {
	Verifier *services.Verifier
}

func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.Verifier.Verify(r.Context(), chi.URLParam(r, "routeID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto.NewVerificationResponse(res))
}

// AnchorStatus reports local anchor bookkeeping alongside the ledger record.
func (h *VerifyHandler) AnchorStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Verifier.Status(r.Context(), chi.URLParam(r, "routeID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}
