package models

import "github.com/goccy/go-json"

// ImageRef names one input image. ID defaults to the URL.
type ImageRef struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url" binding:"required"`
}

// ModelSpec selects and parameterizes a model kind.
type ModelSpec struct {
	Kind   string             `json:"kind" binding:"required"`
	Params map[string]float64 `json:"params,omitempty"`
	Labels []string           `json:"labels,omitempty"`
}

// TrainingSet is labelled data a model is fitted on before a run. Labels
// may be omitted for unsupervised models.
type TrainingSet struct {
	Images []ImageRef `json:"images" binding:"required,min=1,dive"`
	Labels []string   `json:"labels,omitempty"`
}

// ExtractRequest asks for feature vectors only.
type ExtractRequest struct {
	Images []ImageRef      `json:"images" binding:"required,min=1,dive"`
	Config json.RawMessage `json:"config" binding:"required"`
}

// RunRequest asks for features and predictions for every image.
type RunRequest struct {
	Images   []ImageRef      `json:"images" binding:"required,min=1,dive"`
	Config   json.RawMessage `json:"config" binding:"required"`
	Model    ModelSpec       `json:"model" binding:"required"`
	Training *TrainingSet    `json:"training,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}
