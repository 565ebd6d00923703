package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pdca/backend/internal/services"
)

type QRHandler struct {
	service   *services.MemberQRService
	validator *services.ValidationHelper
}

func NewQRHandler(service *services.MemberQRService) *QRHandler {
	return &QRHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateQR issues a member identification QR code
// @Summary Generate member QR
// @Description Issue a short-lived QR token identifying a member for kiosk scanning
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{memberId=string} true "QR generation request"
// @Success 200 {object} object{qrToken=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /qr/generate [post]
func (h *QRHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID string `json:"memberId" validate:"required"`
	}

	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	token, image, err := h.service.GenerateMemberQR(r.Context(), req.MemberID)
	if err != nil {
		if err == services.ErrMemberNotFound {
			services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
			return
		}
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"qrToken": token,
		"qrImage": image,
	})
}

// ResolveQR resolves a scanned member QR token
// @Summary Resolve member QR
// @Description Resolve a scanned QR token back to the member identity
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{qrToken=string} true "QR resolution request"
// @Success 200 {object} object{memberId=string,memberCode=string}
// @Failure 400 {object} services.ErrorResponse
// @Router /qr/resolve [post]
func (h *QRHandler) ResolveQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QRToken string `json:"qrToken" validate:"required"`
	}

	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.ResolveMemberQR(r.Context(), req.QRToken)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    result,
	})
}
