package models

// Perfume is a catalog record. Optional scalar attributes are nil when the
// catalog has no value for them.
type Perfume struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Brand       string   `json:"brand"`
	Description *string  `json:"description,omitempty"`
	Rating      *float64 `json:"rating,omitempty"`
	Notes       []string `json:"notes,omitempty"`
	Season      []string `json:"season,omitempty"`
	Gender      *string  `json:"gender,omitempty"`
	Longevity   *string  `json:"longevity,omitempty"`
	Sillage     *string  `json:"sillage,omitempty"`
	Pros        []string `json:"pros,omitempty"`
	Cons        []string `json:"cons,omitempty"`
	Similar     []string `json:"similar,omitempty"`
}
