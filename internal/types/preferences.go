package types

// Preferences are the user settings the engine consults. They only affect
// what readers display, never revision bookkeeping.
type Preferences struct {
	ShowReasoning bool `json:"showReasoning" toml:"show_reasoning"`
}
