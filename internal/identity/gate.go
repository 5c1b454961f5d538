package identity

import (
	"context"

	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/logger"
	"github.com/healthnexus/platform/internal/shared/types"
	"go.uber.org/zap"
)

// Gate decides whether a login or registration proved control of the phone.
type Gate struct {
	verifier     Verifier
	fixedOTP     string
	fixedEnabled bool
	log          *zap.Logger
}

// NewGate builds a gate. A nil verifier accepts every request (local development).
func NewGate(verifier Verifier, fixedOTP string, fixedEnabled bool, log *zap.Logger) *Gate {
	return &Gate{
		verifier:     verifier,
		fixedOTP:     fixedOTP,
		fixedEnabled: fixedEnabled && fixedOTP != "",
		log:          log,
	}
}

// Check accepts the fixed test code, otherwise verifies idToken.
func (g *Gate) Check(ctx context.Context, phone, idToken, otp string) error {
	if g.fixedEnabled && otp == g.fixedOTP {
		g.log.Info("fixed OTP accepted", zap.String("phone", logger.MaskPhone(phone)))
		return nil
	}

	if g.verifier == nil {
		g.log.Warn("identity verifier not configured, accepting request", zap.String("phone", logger.MaskPhone(phone)))
		return nil
	}

	if idToken == "" {
		return errors.Unauthorized("Verification token is required")
	}

	token, err := g.verifier.Verify(ctx, idToken)
	if err != nil {
		g.log.Warn("identity token rejected", zap.Error(err))
		return errors.Unauthorized("Invalid Firebase Token")
	}

	if token.PhoneNumber != "" && types.NormalizePhone(token.PhoneNumber) != types.NormalizePhone(phone) {
		g.log.Warn("identity token phone does not match request",
			zap.String("token_phone", logger.MaskPhone(token.PhoneNumber)),
			zap.String("request_phone", logger.MaskPhone(phone)),
		)
	}
	return nil
}

