package pos

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// errReleaseSkipped settles a reservation whose release call never ran.
var errReleaseSkipped = errors.New("release not attempted")

// claimRelease reserves paymentID for owner in j. The returned settle func
// must be called with the result of the release call: the reservation is
// abandoned unless the release succeeded or the payment was already released.
// A nil journal claims nothing.
func claimRelease(ctx context.Context, j Journal, paymentID, owner string, logger *zap.Logger) (func(error), *Error) {
	if j == nil {
		return func(error) {}, nil
	}
	reserved, err := j.ReserveRelease(ctx, paymentID, owner)
	if err != nil {
		return nil, NewError(PreconditionFailed, JournalUnavailable, "could not reserve release", WithCause(err), WithStatusCode(http.StatusServiceUnavailable))
	}
	if !reserved {
		return nil, NewPreconditionError(DuplicateRelease, fmt.Sprintf("payment %s was already released", paymentID), WithStatusCode(http.StatusConflict))
	}

	return func(releaseErr error) {
		if releaseErr == nil || alreadyReleased(releaseErr) {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
		defer cancel()
		if err := j.AbandonRelease(ctx, paymentID, owner); err != nil {
			logger.Error("Failed to abandon release reservation",
				zap.String("payment_id", paymentID),
				zap.String("owner", owner),
				zap.Error(err),
			)
			return
		}
		logger.Info("Release reservation abandoned",
			zap.String("payment_id", paymentID),
			zap.String("owner", owner),
		)
	}, nil
}

// alreadyReleased reports whether the release API rejected the call because
// the payment was released before.
func alreadyReleased(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == APIError && e.StatusCode() == http.StatusConflict
}
