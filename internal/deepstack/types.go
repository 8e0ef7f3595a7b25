package deepstack

// Raw wire types for the DeepStack REST API. The adapter in service.go
// reshapes these into the per-capability result contracts below.

type rawPrediction struct {
	UserID     string  `json:"userid"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	XMin       int     `json:"x_min"`
	YMin       int     `json:"y_min"`
	XMax       int     `json:"x_max"`
	YMax       int     `json:"y_max"`
}

type predictionsResponse struct {
	Success     bool            `json:"success"`
	Predictions []rawPrediction `json:"predictions"`
	Error       string          `json:"error"`
}

type sceneResponse struct {
	Success    bool    `json:"success"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

type matchResponse struct {
	Success    bool    `json:"success"`
	Similarity float64 `json:"similarity"`
	Error      string  `json:"error"`
}

type enhanceResponse struct {
	Success bool   `json:"success"`
	Base64  string `json:"base64"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Error   string `json:"error"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// FacePrediction is one recognized face. Confidence is always a 0-1 fraction.
type FacePrediction struct {
	UserID     string  `json:"userid"`
	Confidence float64 `json:"confidence"`
}

// BoundingBox locates an object within the image.
type BoundingBox struct {
	XMin int `json:"x_min"`
	YMin int `json:"y_min"`
	XMax int `json:"x_max"`
	YMax int `json:"y_max"`
}

// ObjectPrediction is one detected object. Confidence is always a 0-1 fraction.
type ObjectPrediction struct {
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

// RecognitionResult is the normalized face recognition outcome: predictions
// above the confidence threshold plus their count.
type RecognitionResult struct {
	Success     bool             `json:"success"`
	Count       int              `json:"count"`
	Predictions []FacePrediction `json:"predictions"`
	Message     string           `json:"message,omitempty"`
}

// ObjectDetectionResult is the normalized object detection outcome.
type ObjectDetectionResult struct {
	Success      bool               `json:"success"`
	Count        int                `json:"count"`
	Objects      []ObjectPrediction `json:"objects"`
	ObjectCounts map[string]int     `json:"object_counts"`
	Message      string             `json:"message,omitempty"`
}

// SceneResult is the normalized scene classification outcome. A scene below
// the confidence threshold is reported as unknown, not as a low-confidence
// label.
type SceneResult struct {
	Success    bool    `json:"success"`
	Scene      string  `json:"scene"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message,omitempty"`
}

// RegisterResult acknowledges a face registration.
type RegisterResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Attempts int    `json:"attempts"`
}

// CompareResult is the normalized two-image face comparison outcome.
type CompareResult struct {
	Success         bool    `json:"success"`
	Similarity      float64 `json:"similarity"`
	MatchPercentage float64 `json:"match_percentage"`
}

// EnhanceResult carries the 4x upscaled image and, when an output path was
// given, where it was written.
type EnhanceResult struct {
	Success        bool   `json:"success"`
	Base64         string `json:"base64"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	SizeMultiplier int    `json:"size_multiplier"`
	OutputPath     string `json:"output_path,omitempty"`
	ByteLength     int    `json:"byte_length"`
}
