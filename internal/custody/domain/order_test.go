package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderPending, OrderConfirming, true},
		{OrderPending, OrderFailed, true},
		{OrderConfirming, OrderConfirmed, true},
		{OrderConfirming, OrderFailed, true},
		{OrderConfirming, OrderPending, false},
		{OrderFailed, OrderConfirmed, false},
		{OrderFailed, OrderConfirming, false},
		{OrderConfirmed, OrderFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPendingOrder_Expired(t *testing.T) {
	now := time.Now()
	o := &PendingOrder{Status: OrderPending, ExpiresAt: now}
	assert.False(t, o.Expired(now))
	assert.True(t, o.Expired(now.Add(time.Nanosecond)))
	assert.True(t, o.IsActive())

	o.Status = OrderFailed
	assert.False(t, o.IsActive())
}

func TestParseMode(t *testing.T) {
	m, ok := ParseMode("")
	assert.True(t, ok)
	assert.Equal(t, ModeLive, m)
	m, ok = ParseMode("dry-run")
	assert.True(t, ok)
	assert.Equal(t, ModeDryRun, m)
	_, ok = ParseMode("turbo")
	assert.False(t, ok)
}
