package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/mifflin_roller/internal/models"
)

func TestOrderStatusTerminal(t *testing.T) {
	for _, status := range []string{"filled", "cancelled", "canceled", "rejected", "expired", "inactive"} {
		o := OrderStatus{Status: status}
		assert.True(t, o.Terminal(), "status %q should be terminal", status)
	}
	for _, status := range []string{"submitted", "pre_submitted", "pending_submit", ""} {
		o := OrderStatus{Status: status}
		assert.False(t, o.Terminal(), "status %q should not be terminal", status)
	}
}

func TestOrderStatusFilled(t *testing.T) {
	assert.True(t, (&OrderStatus{Status: "filled"}).Filled())
	assert.True(t, (&OrderStatus{Status: "submitted", Quantity: 1, FilledQuantity: 1}).Filled())
	assert.False(t, (&OrderStatus{Status: "submitted", Quantity: 2, FilledQuantity: 1}).Filled())
	assert.False(t, (&OrderStatus{Status: "submitted"}).Filled())
}

// quoteSequencer returns scripted quotes per call.
type quoteSequencer struct {
	Broker
	quotes []models.Quote
	errs   []error
	calls  int
}

func (q *quoteSequencer) GetQuoteCtx(context.Context, int64) (models.Quote, error) {
	i := q.calls
	q.calls++
	if i >= len(q.quotes) {
		i = len(q.quotes) - 1
	}
	var err error
	if i < len(q.errs) {
		err = q.errs[i]
	}
	return q.quotes[i], err
}

func TestFetchQuoteWithFallback_FirstTryValid(t *testing.T) {
	b := &quoteSequencer{quotes: []models.Quote{{Bid: 4.00, Ask: 4.50}}}
	q, err := FetchQuoteWithFallback(context.Background(), b, 1)
	require.NoError(t, err)
	assert.Equal(t, 4.25, q.Mid())
	assert.Equal(t, 1, b.calls)
}

func TestFetchQuoteWithFallback_RetriesOnce(t *testing.T) {
	b := &quoteSequencer{quotes: []models.Quote{
		{Bid: 0, Ask: 4.50},    // one-sided book
		{Bid: 4.00, Ask: 4.50}, // recovers
	}}
	q, err := FetchQuoteWithFallback(context.Background(), b, 1)
	require.NoError(t, err)
	assert.Equal(t, 4.25, q.Mid())
	assert.Equal(t, 2, b.calls)
}

func TestFetchQuoteWithFallback_StaysStale(t *testing.T) {
	b := &quoteSequencer{quotes: []models.Quote{
		{Bid: 0, Ask: 4.50},
		{Bid: 0, Ask: 4.75},
	}}
	q, err := FetchQuoteWithFallback(context.Background(), b, 1)
	assert.ErrorIs(t, err, ErrStaleQuote)
	assert.Equal(t, 2, b.calls, "exactly one retry, never more")
	// The best-seen partial quote is still surfaced for display.
	assert.Equal(t, 4.75, q.Ask)
}

func TestFetchQuoteWithFallback_TransportError(t *testing.T) {
	transportErr := errors.New("gateway down")
	b := &quoteSequencer{
		quotes: []models.Quote{{}, {}},
		errs:   []error{transportErr, transportErr},
	}
	_, err := FetchQuoteWithFallback(context.Background(), b, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, transportErr)
}
