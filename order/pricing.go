package order

import (
	"github.com/shopspring/decimal"

	"github.com/warp/order-ledger/ledger"
)

// Pricing holds the rates applied when an order is fired. The first fire
// stores a copy on the order; later fires reuse that copy, so a rate change
// never reprices an order already in the kitchen.
type Pricing struct {
	ServiceChargeRate decimal.Decimal // DINE_IN only
	TaxRate           decimal.Decimal
	DeliveryFee       ledger.Money // DELIVERY only
}

// applyTotals recomputes the snapshotted totals from fired items. Item
// prices are the ones captured when the item was added.
func (o *Order) applyTotals() {
	subtotal := ledger.Zero
	for _, it := range o.Items {
		if it.Status == ItemDraft {
			continue
		}
		subtotal = subtotal.Add(it.LineTotal())
	}

	service := ledger.Zero
	if o.Kind.Type == DineIn {
		service = subtotal.Mul(o.Pricing.ServiceChargeRate).Round(2)
	}
	delivery := ledger.Zero
	if o.Kind.Type == Delivery {
		delivery = o.Pricing.DeliveryFee
	}
	tax := subtotal.Add(service).Mul(o.Pricing.TaxRate).Round(2)

	o.Subtotal = subtotal
	o.ServiceCharge = service
	o.DeliveryFee = delivery
	o.Tax = tax
	o.Total = ledger.Sum(subtotal, service, delivery, tax)
}
