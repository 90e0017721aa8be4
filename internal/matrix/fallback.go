package matrix

import (
	"context"
	"errors"
	"log"

	"lastmile/internal/metrics"
	"lastmile/internal/platform/obs"
)

// Fallback asks Primary first and answers from Secondary when it fails or
// is nil. A canceled context is returned as is.
type Fallback struct {
	Primary   Provider
	Secondary Provider
}

func (f Fallback) Matrix(ctx context.Context, locs []Location) (Matrix, error) {
	if f.Primary != nil {
		m, err := f.Primary.Matrix(ctx, locs)
		if err == nil {
			return m, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return Matrix{}, err
		}
		log.Printf("req_id=%s matrix primary failed, using fallback err=%v", obs.RequestID(ctx), err)
		metrics.MatrixRequests.WithLabelValues("fallback", "used").Inc()
	}
	return f.Secondary.Matrix(ctx, locs)
}
