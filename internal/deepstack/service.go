package deepstack

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"deepstack-go/internal/config"
	"deepstack-go/internal/imagefile"

	"github.com/disintegration/imaging"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// ContainerController is what the adapter needs from the lifecycle
// orchestrator. A nil controller skips service initialization entirely
// (the -no-docker-init path).
type ContainerController interface {
	EnsureReady(ctx context.Context, force bool) (bool, error)
	Restart(ctx context.Context) error
	WaitHealthy(ctx context.Context) bool
	Exec(ctx context.Context, command string) (string, error)
}

// Service is the vision capability layer: it validates local inputs, makes
// sure the backing container is up, calls the endpoint and normalizes the
// heterogeneous response shapes into one result contract per capability.
//
// Confidences are canonically 0-1 fractions everywhere inside this module.
// Backend values above 1 are treated as percentages and divided by 100 at
// the boundary.
type Service struct {
	client     *Client
	controller ContainerController
	cfg        config.APIConfig
	facesPath  string
	log        *log.Entry

	// forceRebuild is consumed by the first ensure so a multi-call workflow
	// does not tear the container down again on every capability call.
	forceRebuild atomic.Bool
}

// NewService creates the capability layer. controller may be nil to skip the
// ensure-ready step on every call. With forceRebuild the container and volume
// are destroyed and rebuilt before the first capability call.
func NewService(client *Client, controller ContainerController, cfg config.APIConfig, facesPath string, forceRebuild bool) *Service {
	s := &Service{
		client:     client,
		controller: controller,
		cfg:        cfg,
		facesPath:  facesPath,
		log:        log.WithFields(logFields),
	}
	s.forceRebuild.Store(forceRebuild)
	return s
}

// ensureService converges the container before a capability call. A false
// ready verdict is a soft condition: the call proceeds and fails on its own
// if the service really is down.
func (s *Service) ensureService(ctx context.Context) error {
	if s.controller == nil {
		return nil
	}
	force := s.forceRebuild.CompareAndSwap(true, false)
	ready, err := s.controller.EnsureReady(ctx, force)
	if err != nil {
		return err
	}
	if !ready {
		s.log.Warn("Service not confirmed ready, attempting the call anyway")
	}
	return nil
}

// loadImage validates a local image path and reads it into a form part.
// Validation failures abort the capability call before any network activity.
func (s *Service) loadImage(path string) (FormImage, error) {
	abs, err := imagefile.Validate(path)
	if err != nil {
		return FormImage{}, &ValidationError{Input: path, Reason: err.Error()}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return FormImage{}, &ValidationError{Input: abs, Reason: err.Error()}
	}
	return FormImage{FileName: filepath.Base(abs), Data: data}, nil
}

func normalizeConfidence(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}

// RecognizeFaces recognizes registered faces in an image and returns the
// predictions whose confidence strictly exceeds the configured threshold.
func (s *Service) RecognizeFaces(ctx context.Context, imagePath string) (*RecognitionResult, error) {
	img, err := s.loadImage(imagePath)
	if err != nil {
		return nil, err
	}
	if err := s.ensureService(ctx); err != nil {
		return nil, err
	}

	resp, err := s.client.RecognizeFaces(ctx, img)
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.Predictions == nil {
		return &RecognitionResult{Success: false, Predictions: []FacePrediction{}, Message: resp.Error}, nil
	}

	predictions := make([]FacePrediction, 0, len(resp.Predictions))
	for _, p := range resp.Predictions {
		predictions = append(predictions, FacePrediction{
			UserID:     p.UserID,
			Confidence: normalizeConfidence(p.Confidence),
		})
	}
	predictions = lo.Filter(predictions, func(p FacePrediction, _ int) bool {
		return p.Confidence > s.cfg.ConfidenceThreshold
	})

	return &RecognitionResult{
		Success:     true,
		Count:       len(predictions),
		Predictions: predictions,
	}, nil
}

// DetectObjects detects objects in an image, filters them by the confidence
// threshold and summarizes the surviving labels as a label→count map.
func (s *Service) DetectObjects(ctx context.Context, imagePath string) (*ObjectDetectionResult, error) {
	img, err := s.loadImage(imagePath)
	if err != nil {
		return nil, err
	}
	if err := s.ensureService(ctx); err != nil {
		return nil, err
	}

	resp, err := s.client.DetectObjects(ctx, img, s.cfg.ConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.Predictions == nil {
		return &ObjectDetectionResult{Success: false, Objects: []ObjectPrediction{}, ObjectCounts: map[string]int{}, Message: resp.Error}, nil
	}

	objects := make([]ObjectPrediction, 0, len(resp.Predictions))
	for _, p := range resp.Predictions {
		objects = append(objects, ObjectPrediction{
			Label:      p.Label,
			Confidence: normalizeConfidence(p.Confidence),
			Box:        BoundingBox{XMin: p.XMin, YMin: p.YMin, XMax: p.XMax, YMax: p.YMax},
		})
	}
	objects = lo.Filter(objects, func(o ObjectPrediction, _ int) bool {
		return o.Confidence > s.cfg.ConfidenceThreshold
	})

	return &ObjectDetectionResult{
		Success: true,
		Count:   len(objects),
		Objects: objects,
		ObjectCounts: lo.CountValuesBy(objects, func(o ObjectPrediction) string {
			return o.Label
		}),
	}, nil
}

// DetectScene classifies the scene of an image. A classification at or below
// the threshold is reported as unknown rather than as a low-confidence label.
func (s *Service) DetectScene(ctx context.Context, imagePath string) (*SceneResult, error) {
	img, err := s.loadImage(imagePath)
	if err != nil {
		return nil, err
	}
	if err := s.ensureService(ctx); err != nil {
		return nil, err
	}

	resp, err := s.client.ClassifyScene(ctx, img)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return &SceneResult{Success: false, Scene: "unknown", Message: resp.Error}, nil
	}

	confidence := normalizeConfidence(resp.Confidence)
	if !(confidence > s.cfg.ConfidenceThreshold) {
		return &SceneResult{Success: false, Scene: "unknown", Confidence: confidence, Message: "below threshold"}, nil
	}
	return &SceneResult{Success: true, Scene: resp.Label, Confidence: confidence}, nil
}

// RegisterFace registers one or more example images under an identifier.
// Network-class failures are retried per the configured policy; any other
// failure triggers a best-effort delete of the identifier so a half-applied
// registration does not linger.
func (s *Service) RegisterFace(ctx context.Context, identifier string, imagePaths []string) (*RegisterResult, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, &ValidationError{Input: identifier, Reason: "identifier must not be empty"}
	}
	if len(imagePaths) == 0 {
		return nil, &ValidationError{Input: identifier, Reason: "at least one image is required"}
	}

	images := make([]FormImage, 0, len(imagePaths))
	for i, path := range imagePaths {
		img, err := s.loadImage(path)
		if err != nil {
			return nil, err
		}
		if len(imagePaths) == 1 {
			img.Field = "image"
		} else {
			img.Field = fmt.Sprintf("image%d", i+1)
		}
		images = append(images, img)
	}

	if err := s.ensureService(ctx); err != nil {
		return nil, err
	}

	policy := RetryPolicy{
		MaxAttempts: s.cfg.RegisterMaxAttempts,
		BaseDelay:   s.cfg.RegisterBackoff(),
	}

	attempts := 0
	var resp *ackResponse
	err := policy.Do(ctx, func() error {
		attempts++
		var opErr error
		resp, opErr = s.client.RegisterFace(ctx, identifier, images)
		if opErr != nil {
			return opErr
		}
		if !resp.Success {
			msg := resp.Error
			if msg == "" {
				msg = resp.Message
			}
			return &RemoteError{Status: 200, Message: msg}
		}
		return nil
	}, isNetworkClass)

	if err != nil {
		if !isNetworkClass(err) {
			s.cleanupRegistration(ctx, identifier)
		}
		return nil, err
	}

	return &RegisterResult{Success: true, Message: resp.Message, Attempts: attempts}, nil
}

// cleanupRegistration removes a possibly half-registered identifier. Cleanup
// failures are logged, never escalated.
func (s *Service) cleanupRegistration(ctx context.Context, identifier string) {
	if _, err := s.client.DeleteFace(ctx, identifier); err != nil {
		s.log.Warnf("Cleanup of identifier '%s' after failed registration failed: %v", identifier, err)
	}
}

// ListFaces returns all registered identifiers. Three historical response
// shapes are normalized: {success, faces: [...]}, a bare array, and anything
// else (treated as empty).
func (s *Service) ListFaces(ctx context.Context) ([]string, error) {
	if err := s.ensureService(ctx); err != nil {
		return nil, err
	}

	raw, err := s.client.ListFaces(ctx)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Success bool     `json:"success"`
		Faces   []string `json:"faces"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Faces != nil {
		return wrapper.Faces, nil
	}

	var bare []string
	if err := json.Unmarshal(raw, &bare); err == nil && bare != nil {
		return bare, nil
	}

	return []string{}, nil
}

// DeleteFace removes all registered examples for an identifier.
func (s *Service) DeleteFace(ctx context.Context, identifier string) (bool, error) {
	if strings.TrimSpace(identifier) == "" {
		return false, &ValidationError{Input: identifier, Reason: "identifier must not be empty"}
	}
	if err := s.ensureService(ctx); err != nil {
		return false, err
	}

	resp, err := s.client.DeleteFace(ctx, identifier)
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// DeleteAllFaces wipes every registered face. The face index lives in memory
// inside the container, so after removing the image files from the datastore
// the container is restarted and health-polled, then the empty state is
// verified through the list endpoint. Requires explicit confirmation.
func (s *Service) DeleteAllFaces(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return fmt.Errorf("refusing to delete all faces without confirmation")
	}
	if s.controller == nil {
		return fmt.Errorf("deleting all faces requires container control")
	}
	if err := s.ensureService(ctx); err != nil {
		return err
	}

	command := fmt.Sprintf("rm -f %[1]s/*.jpg %[1]s/*.jpeg %[1]s/*.png %[1]s/*.gif", s.facesPath)
	if _, err := s.controller.Exec(ctx, command); err != nil {
		return fmt.Errorf("failed to wipe face files: %w", err)
	}

	s.log.Info("Face files removed, restarting container to reload the index")
	if err := s.controller.Restart(ctx); err != nil {
		return err
	}
	if !s.controller.WaitHealthy(ctx) {
		s.log.Warn("Service not confirmed healthy after restart")
	}

	faces, err := s.ListFaces(ctx)
	if err != nil {
		s.log.Warnf("Could not verify empty face list: %v", err)
		return nil
	}
	if len(faces) > 0 {
		return fmt.Errorf("%d faces still registered after wipe", len(faces))
	}
	return nil
}

// CompareFaces compares the faces in two images.
func (s *Service) CompareFaces(ctx context.Context, imagePath1, imagePath2 string) (*CompareResult, error) {
	img1, err := s.loadImage(imagePath1)
	if err != nil {
		return nil, err
	}
	img2, err := s.loadImage(imagePath2)
	if err != nil {
		return nil, err
	}
	if err := s.ensureService(ctx); err != nil {
		return nil, err
	}

	resp, err := s.client.MatchFaces(ctx, img1, img2)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return &CompareResult{Success: false}, nil
	}

	similarity := normalizeConfidence(resp.Similarity)
	return &CompareResult{
		Success:         true,
		Similarity:      similarity,
		MatchPercentage: math.Round(similarity*10000) / 100,
	}, nil
}

// EnhanceImage upscales an image 4x. With an output path the decoded bytes
// are written to disk, creating parent directories as needed.
func (s *Service) EnhanceImage(ctx context.Context, imagePath, outputPath string) (*EnhanceResult, error) {
	img, err := s.loadImage(imagePath)
	if err != nil {
		return nil, err
	}
	if err := s.ensureService(ctx); err != nil {
		return nil, err
	}

	resp, err := s.client.Enhance(ctx, img)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &RemoteError{Status: 200, Message: resp.Error}
	}

	payload := resp.Base64
	if idx := strings.Index(payload, ";base64,"); idx >= 0 {
		payload = payload[idx+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &RemoteError{Status: 200, Message: fmt.Sprintf("malformed base64 payload: %v", err)}
	}

	width, height := resp.Width, resp.Height
	if width == 0 || height == 0 {
		if decoded, err := imaging.Decode(bytes.NewReader(raw)); err == nil {
			bounds := decoded.Bounds()
			width, height = bounds.Dx(), bounds.Dy()
		}
	}

	result := &EnhanceResult{
		Success:        true,
		Base64:         payload,
		Width:          width,
		Height:         height,
		SizeMultiplier: 4,
		ByteLength:     len(raw),
	}

	if outputPath != "" {
		abs, err := imagefile.ExpandPath(outputPath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
		if err := os.WriteFile(abs, raw, 0644); err != nil {
			return nil, fmt.Errorf("failed to write enhanced image: %w", err)
		}
		result.OutputPath = abs
		s.log.Infof("Wrote enhanced image (%d bytes) to %s", len(raw), abs)
	}

	return result, nil
}
