package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaOrdersExceeded  = errors.New("quota orders exceeded")
	ErrQuotaAmountExceeded  = errors.New("quota amount exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for a principal.
type QuotaNow struct {
	OrderCount uint32
	AmountUsed uint64
	EpochID    uint64
}

// Quota bounds how many orders a principal may list per epoch and how much
// escrow value those listings may carry. A zero limit leaves the corresponding
// dimension unbounded.
type Quota struct {
	MaxOrdersPerEpoch uint32
	MaxAmountPerEpoch uint64
	EpochSeconds      uint32
}

// Enabled reports whether any dimension of the quota is enforced.
func (q Quota) Enabled() bool {
	return q.EpochSeconds > 0 && (q.MaxOrdersPerEpoch > 0 || q.MaxAmountPerEpoch > 0)
}

// CheckQuota verifies whether the additional order and amount usage fit within
// the configured quota. Counters reset when the epoch rolls over. The returned
// QuotaNow reflects the updated counters when the quota is not exceeded; on
// rejection the previous counters are returned unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addOrders uint32, addAmount uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addOrders > 0 {
		if next.OrderCount > math.MaxUint32-addOrders {
			return prev, ErrQuotaCounterOverflow
		}
		next.OrderCount += addOrders
	}
	if q.MaxOrdersPerEpoch > 0 && next.OrderCount > q.MaxOrdersPerEpoch {
		return prev, ErrQuotaOrdersExceeded
	}

	if addAmount > 0 {
		if next.AmountUsed > math.MaxUint64-addAmount {
			return prev, ErrQuotaCounterOverflow
		}
		next.AmountUsed += addAmount
	}
	if q.MaxAmountPerEpoch > 0 && next.AmountUsed > q.MaxAmountPerEpoch {
		return prev, ErrQuotaAmountExceeded
	}

	return next, nil
}
