package domain

import "time"

// User is a review author as exposed in review representations.
type User struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Avatar     *string   `json:"avatar"`
	Verified   bool      `json:"verified"`
	Reputation int       `json:"reputation"`
	CreatedAt  time.Time `json:"-"`
}

type Company struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

type Product struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CompanyID string `json:"-"`
}
