package service

import (
	"strings"

	"order-reconciler/internal/models"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// RenderSummary builds the chat message a customer receives for the order's current state
func RenderSummary(order *models.Order, currency string) string {
	ref := shortID(order.ID)
	total := printer.Sprintf("%s %d", currency, order.TotalAmount)

	switch order.State {
	case models.OrderStateCreated:
		return printer.Sprintf("Order #%s received: %s. Total %s.", ref, describeItems(order.LineItems), total)
	case models.OrderStatePaymentInitiated:
		return printer.Sprintf("Order #%s: %s. Total %s. Check your phone and enter your PIN to pay.",
			ref, describeItems(order.LineItems), total)
	case models.OrderStatePaymentConfirmed:
		return printer.Sprintf("Payment of %s received for order #%s. Thank you!", total, ref)
	case models.OrderStatePaymentFailed:
		return printer.Sprintf("Payment for order #%s did not go through (%s). No money was taken.",
			ref, humanReason(order.FailureReason))
	case models.OrderStateExpired:
		return printer.Sprintf("We did not receive payment for order #%s in time, so it has expired.", ref)
	case models.OrderStateCancelled:
		return printer.Sprintf("Order #%s has been cancelled.", ref)
	}
	return printer.Sprintf("Order #%s is %s.", ref, order.State)
}

func describeItems(items []models.LineItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		name := item.Name
		if name == "" {
			name = item.SKU
		}
		parts = append(parts, printer.Sprintf("%d x %s", item.Quantity, name))
	}
	return strings.Join(parts, ", ")
}

func humanReason(reason string) string {
	switch reason {
	case "amount_mismatch":
		return "the amount paid did not match the order total"
	case "gateway_declined":
		return "the payment was declined"
	case "", "initiation_failed", "index_unavailable", "duplicate_ref":
		return "we could not start the payment"
	}
	return strings.ReplaceAll(reason, "_", " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
