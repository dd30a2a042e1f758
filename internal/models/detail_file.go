package models

import "time"

// DetailFile is a content-addressed detail blob. The CID is the keccak-256
// hash of the content; the table is a deduplicated mirror of data/details/.
type DetailFile struct {
	ID        int64     `json:"id"`
	CID       string    `json:"cid"`
	Content   []byte    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// OfferConfiguration is the backend-defined per-offer configuration blob
// owned by a gateway provider for one of its virtual providers' offers.
type OfferConfiguration struct {
	ID              int64     `json:"id"`
	OfferID         uint32    `json:"offerId"`
	PtAddressID     int64     `json:"-"`
	ProtocolAddress string    `json:"ptAddress"`
	Configuration   []byte    `json:"configuration"`
	CreatedAt       time.Time `json:"createdAt"`
}
