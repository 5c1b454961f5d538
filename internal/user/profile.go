package user

import (
	"encoding/json"
	"net/http"

	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/httpx"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const qrImageSize = 256

// UpdateProfileRequest updates one section of the caller's profile
type UpdateProfileRequest struct {
	Section string          `json:"section"`
	Data    json.RawMessage `json:"data"`
}

// UpdateProfile applies a personal, medical or lifestyle update
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	var req UpdateProfileRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	u, err := h.store.FindByID(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	switch req.Section {
	case "personal":
		var update PersonalUpdate
		if err := decodeSection(req.Data, &update); err != nil {
			httpx.Error(w, err)
			return
		}
		update.Apply(u)
	case "medical":
		var history MedicalHistory
		if err := decodeSection(req.Data, &history); err != nil {
			httpx.Error(w, err)
			return
		}
		u.MedicalHistory = history
	case "lifestyle":
		var lifestyle Lifestyle
		if err := decodeSection(req.Data, &lifestyle); err != nil {
			httpx.Error(w, err)
			return
		}
		u.Lifestyle = lifestyle
	default:
		httpx.Error(w, errors.BadRequest("Invalid section"))
		return
	}

	u.UpdatedAt = h.now().UTC()
	if err := h.store.Update(r.Context(), u); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	httpx.JSON(w, http.StatusOK, map[string]any{
		"message": "Profile updated successfully",
		"user":    u,
	})
}

// DeleteProfile removes the caller's account, their files and their session
func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	if h.files != nil {
		if err := h.files.PurgePatientFiles(r.Context(), caller.ID); err != nil {
			httpx.Fail(w, r, h.log, errors.Wrap(err, "failed to delete files"))
			return
		}
	}

	if err := h.store.Delete(r.Context(), caller.ID); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	if err := h.sessions.Revoke(r.Context(), caller.ID); err != nil {
		h.log.Warn("failed to revoke session after account deletion",
			zap.String("user_id", caller.ID.String()), zap.Error(err))
	}

	h.log.Info("account deleted", zap.String("user_id", caller.ID.String()))
	httpx.JSON(w, http.StatusOK, map[string]string{"message": "Account deleted successfully"})
}

// DoctorQR renders the doctor's QR id as a PNG
func (h *Handler) DoctorQR(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	u, err := h.store.FindByID(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	if u.DoctorQRID == "" {
		qrID, err := uniqueQRID(r.Context(), h.store)
		if err != nil {
			httpx.Fail(w, r, h.log, err)
			return
		}
		u.DoctorQRID = qrID
		u.UpdatedAt = h.now().UTC()
		if err := h.store.Update(r.Context(), u); err != nil {
			httpx.Fail(w, r, h.log, err)
			return
		}
	}

	png, err := qrcode.Encode(u.DoctorQRID, qrcode.Medium, qrImageSize)
	if err != nil {
		httpx.Fail(w, r, h.log, errors.Wrap(err, "failed to render QR code"))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", `inline; filename="`+u.DoctorQRID+`.png"`)
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
