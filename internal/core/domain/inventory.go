package domain

import "time"

type StockItem struct {
	SKU       string
	Quantity  int
	Version   int64 // bumped on every ledger mutation
	UpdatedAt time.Time
}

// StockChange is the committed state of a SKU touched by a reconciliation.
type StockChange struct {
	SKU      string
	Delta    int
	Quantity int
	Version  int64
}
