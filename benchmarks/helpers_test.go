package benchmarks

import (
	"fmt"
	"testing"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// createOrder builds an order with n lines on its own aggregate.
func createOrder(b *testing.B, f *event.Factory, i, lines int) *event.DomainEvent {
	b.Helper()
	p := event.OrderCreated{
		OrderID:    fmt.Sprintf("order-%d", i),
		Currency:   "EUR",
		TotalMinor: int64(lines) * 499,
	}
	for l := range lines {
		p.Lines = append(p.Lines, event.OrderLine{ProductID: fmt.Sprintf("sku-%d", l), Quantity: 1, UnitPrice: 499})
	}
	evt, err := f.OrderCreated("tenant-bench", p)
	if err != nil {
		b.Fatal(err)
	}
	return evt
}
