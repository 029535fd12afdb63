package models

import "time"

// Response is one survey idea as supplied by the response store
type Response struct {
	ID             int64     `json:"id"`
	Idea           string    `json:"idea"`
	ServicePointID int64     `json:"service_point_id"`
	CreatedAt      time.Time `json:"created_at"`
	UploadedAt     time.Time `json:"uploaded_at"`
}

// SearchRow is a response joined with its location hierarchy and tags
type SearchRow struct {
	Response
	ServicePointName   string   `json:"service_point_name"`
	ServicePointTypeID *int64   `json:"service_point_type_id,omitempty"`
	SettlementID       int64    `json:"settlement_id"`
	SettlementName     string   `json:"settlement_name"`
	CountryID          int64    `json:"country_id"`
	CountryName        string   `json:"country_name"`
	Tags               []string `json:"tags"`
	Snippet            string   `json:"snippet,omitempty"`
}
