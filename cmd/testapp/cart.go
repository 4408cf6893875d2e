package main

import (
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/probe"
)

var taxRate = 0.2

// cartUnit is the unit path the resolver assigns to this file.
var cartUnit = "cart.go"

type cart struct {
	Customer string
	items    []lineItem
	coupon   *string
}

type lineItem struct {
	SKU   string
	Price float64
	Qty   int
}

// total carries, expanded over several lines, the probe the rewriter emits
// for a breakpoint on line 31.
func (c *cart) total(discount float64) float64 {
	subtotal := 0.0
	for _, it := range c.items {
		subtotal += it.Price * float64(it.Qty)
	}
	if probe.Armed(cartUnit, 31) {
		func() {
			h := probe.Begin(cartUnit, 31)
			defer h.End()
			h.Put(probe.Local, "discount", discount)
			h.Put(probe.Local, "subtotal", subtotal)
			h.Put(probe.Field, "Customer", c.Customer)
			h.Put(probe.Field, "items", c.items)
			h.Put(probe.Field, "coupon", c.coupon)
			h.Put(probe.Static, "taxRate", taxRate)
			if h.CheckHit() {
				h.Dump()
			}
		}()
	}
	subtotal -= discount
	return subtotal * (1 + taxRate)
}
