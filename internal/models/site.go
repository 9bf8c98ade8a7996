package models

import "time"

// Site represents a physical work location permits are issued for.
type Site struct {
	ID        string    `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	Name      string    `db:"name" json:"name"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SiteFilter constrains site listing queries.
type SiteFilter struct {
	Active *bool
	Search string
	Limit  int
	Offset int
}
