package models

// CounterRecord is the persisted per-number attempt counter.
type CounterRecord struct {
	PhoneNumber   string `json:"phone_number"`
	UsageCount    int64  `json:"usage"`
	LastUpdatedAt int64  `json:"updated_at"` // ms since epoch
	ClassLabel    string `json:"type"`
}
