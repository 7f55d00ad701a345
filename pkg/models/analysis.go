package models

// VectorResult is the outcome of extracting one image.
type VectorResult struct {
	Index     int       `json:"index"`
	ImageID   string    `json:"image_id,omitempty"`
	Source    string    `json:"source"`
	Values    []float64 `json:"values,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ExtractResponse carries one VectorResult per requested image, in order.
type ExtractResponse struct {
	ConfigHash        string         `json:"config_hash"`
	Vectors           []VectorResult `json:"vectors"`
	Succeeded         int            `json:"succeeded"`
	Failed            int            `json:"failed"`
	ProcessingTimeSec float64        `json:"processing_time_sec"`
}

// ModelInfo describes a registered model kind.
type ModelInfo struct {
	Kind   string   `json:"kind"`
	Params []string `json:"params"`
}
