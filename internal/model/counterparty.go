package model

import "time"

// Counterparty is one discovered vendor contact for a run. Rows are created by
// the discovery collaborator (or seeded via the CLI) and are read-only from the
// engine's perspective.
type Counterparty struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	Name      string            `json:"name"`
	URL       string            `json:"url,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Email     string            `json:"email,omitempty"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Callable reports whether the counterparty has a usable voice channel.
func (c Counterparty) Callable() bool {
	return c.Phone != ""
}
