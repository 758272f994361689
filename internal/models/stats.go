package models

// FrontierStats is a point-in-time census of the frontier, computed by
// linear scan for observability rather than hot-path use.
type FrontierStats struct {
	PendingItems     int `json:"pending_items"`
	ProcessingItems  int `json:"processing_items"`
	CompletedItems   int `json:"completed_items"`
	FailedItems      int `json:"failed_items"`
	SeenFingerprints int `json:"seen_fingerprints"`

	PendingByPriority map[string]int `json:"pending_by_priority"`
	PendingByAdapter  map[string]int `json:"pending_by_adapter"`
}

// NewFrontierStats returns a zeroed stats struct with allocated maps.
func NewFrontierStats() *FrontierStats {
	return &FrontierStats{
		PendingByPriority: make(map[string]int),
		PendingByAdapter:  make(map[string]int),
	}
}
