// Package models defines the persisted data model of the provider daemon.
package models

import "time"

// Protocol is an on-chain contract namespace, identified by its 20-byte
// address. Rows are created on first reference and never mutated.
type Protocol struct {
	ID          int64     `json:"id"`
	Address     string    `json:"address"`
	DetailsLink string    `json:"detailsLink,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
