package common

import (
	"errors"
	"testing"
)

func TestCheckQuotaOrderLimit(t *testing.T) {
	q := Quota{MaxOrdersPerEpoch: 10, EpochSeconds: 3600}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.OrderCount != 10 {
		t.Fatalf("unexpected order count: %d", next.OrderCount)
	}

	denied, err := CheckQuota(q, 1, next, 1, 0)
	if !errors.Is(err, ErrQuotaOrdersExceeded) {
		t.Fatalf("expected ErrQuotaOrdersExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.OrderCount != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaAmountCap(t *testing.T) {
	q := Quota{MaxAmountPerEpoch: 1000, EpochSeconds: 3600}
	prev := QuotaNow{EpochID: 5}

	next, err := CheckQuota(q, 5, prev, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.AmountUsed != 1000 {
		t.Fatalf("unexpected amount used: %d", next.AmountUsed)
	}

	denied, err := CheckQuota(q, 5, next, 0, 1)
	if !errors.Is(err, ErrQuotaAmountExceeded) {
		t.Fatalf("expected ErrQuotaAmountExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 6, next, 0, 500)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.AmountUsed != 500 {
		t.Fatalf("unexpected amount used after rollover: %d", rollover.AmountUsed)
	}
}

func TestQuotaEnabled(t *testing.T) {
	cases := []struct {
		name string
		q    Quota
		want bool
	}{
		{"zero value", Quota{}, false},
		{"epoch without limits", Quota{EpochSeconds: 60}, false},
		{"orders only", Quota{MaxOrdersPerEpoch: 5, EpochSeconds: 60}, true},
		{"amount only", Quota{MaxAmountPerEpoch: 100, EpochSeconds: 60}, true},
		{"limits without epoch", Quota{MaxOrdersPerEpoch: 5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.q.Enabled(); got != tc.want {
				t.Fatalf("Enabled() = %v, want %v", got, tc.want)
			}
		})
	}
}
