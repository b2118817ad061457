package service

import (
	"testing"

	"order-reconciler/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestRenderSummary(t *testing.T) {
	order := &models.Order{
		ID:          "3f2a9c1e-0000-4000-8000-000000000000",
		TotalAmount: 1275,
		LineItems: []models.LineItem{
			{SKU: "bread", Name: "Bread", Quantity: 2, UnitPrice: 100},
			{SKU: "flour", Quantity: 1, UnitPrice: 1075},
		},
	}

	tests := []struct {
		state  models.OrderState
		reason string
		want   []string
	}{
		{models.OrderStatePaymentInitiated, "", []string{"#3f2a9c1e", "2 x Bread, 1 x flour", "KES 1,275", "PIN"}},
		{models.OrderStatePaymentConfirmed, "", []string{"Payment of KES 1,275 received", "#3f2a9c1e"}},
		{models.OrderStatePaymentFailed, "amount_mismatch", []string{"did not match the order total"}},
		{models.OrderStatePaymentFailed, "initiation_failed", []string{"could not start the payment"}},
		{models.OrderStateExpired, "payment_timeout", []string{"expired"}},
		{models.OrderStateCancelled, "customer_request", []string{"cancelled"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.state)+"/"+tt.reason, func(t *testing.T) {
			o := order.Clone()
			o.State = tt.state
			o.FailureReason = tt.reason

			got := RenderSummary(o, "KES")
			for _, want := range tt.want {
				assert.Contains(t, got, want)
			}
		})
	}
}

func TestHumanReasonFallsBackToWords(t *testing.T) {
	assert.Equal(t, "out of hours", humanReason("out_of_hours"))
}
