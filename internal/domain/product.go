package domain

import (
	"time"
)

// Product is read-only reference data for feature computation.
// Price is in integer minor units.
type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CategoryID string    `json:"categoryId"`
	Price      int64     `json:"price"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ProductFilter selects products for listing.
type ProductFilter struct {
	CategoryID string
	ExcludeID  string
	Limit      int
}

// User holds the account data the risk evaluator needs.
// CreatedAt feeds the account-age features.
type User struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}
