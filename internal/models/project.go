package models

import "time"

// Project holds the live generated code for one imported design.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	HTMLContent string    `json:"html_content"`
	CSSContent  string    `json:"css_content"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
