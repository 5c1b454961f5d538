package user

import (
	"context"
	"time"

	"github.com/healthnexus/platform/internal/shared/types"
	"go.uber.org/zap"
)

// RepairStore is what the repair pass reads and writes
type RepairStore interface {
	ListAll(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, u *User) error
}

// RepairReport counts what a repair pass changed
type RepairReport struct {
	Scanned     int `json:"scanned"`
	PhonesFixed int `json:"phones_fixed"`
	QRIDsFixed  int `json:"qr_ids_fixed"`
	Failed      int `json:"failed"`
}

// Repair recomputes phone_normalized and canonicalizes doctor QR ids for every
// user. A failed update is logged and counted; the pass continues.
func Repair(ctx context.Context, store RepairStore, log *zap.Logger) (RepairReport, error) {
	var report RepairReport

	users, err := store.ListAll(ctx)
	if err != nil {
		return report, err
	}

	for _, u := range users {
		report.Scanned++

		phoneFixed := false
		if u.phoneStale() {
			u.PhoneNormalized = types.NormalizePhone(u.Phone)
			phoneFixed = true
		}

		qrFixed := false
		if canonical := NormalizeQRID(u.DoctorQRID); canonical != u.DoctorQRID {
			u.DoctorQRID = canonical
			qrFixed = true
		}

		if !phoneFixed && !qrFixed {
			continue
		}

		u.UpdatedAt = time.Now().UTC()
		if err := store.Update(ctx, u); err != nil {
			report.Failed++
			log.Warn("repair update failed", zap.String("user_id", u.ID.String()), zap.Error(err))
			continue
		}
		if phoneFixed {
			report.PhonesFixed++
		}
		if qrFixed {
			report.QRIDsFixed++
		}
	}

	log.Info("repair pass finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("phones_fixed", report.PhonesFixed),
		zap.Int("qr_ids_fixed", report.QRIDsFixed),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}
