package deepstack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "deepstack",
}

// Per-capability request timeouts, reflecting expected backend latency.
const (
	defaultTimeout  = 30 * time.Second
	registerTimeout = 60 * time.Second
	enhanceTimeout  = 120 * time.Second
)

// FormImage is one image file part of a multipart request.
type FormImage struct {
	Field    string
	FileName string
	Data     []byte
}

// Client talks to the DeepStack vision endpoints. It knows nothing about
// thresholds or result shaping; that lives in Service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL. Timeouts are applied
// per request, not on the shared http.Client, because they differ per
// capability.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// postMultipart builds a multipart form with the given image parts and scalar
// fields, POSTs it and decodes the JSON response into out.
func (c *Client) postMultipart(ctx context.Context, path string, timeout time.Duration, fields map[string]string, images []FormImage, out any) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, img := range images {
		part, err := writer.CreateFormFile(img.Field, img.FileName)
		if err != nil {
			return fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return fmt.Errorf("failed to write image data: %w", err)
		}
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return c.post(ctx, path, timeout, writer.FormDataContentType(), body, out)
}

// postJSON POSTs a JSON body. Used by the list endpoint, which takes no image.
func (c *Client) postJSON(ctx context.Context, path string, timeout time.Duration, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	return c.post(ctx, path, timeout, "application/json", bytes.NewReader(data), out)
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, contentType string, body io.Reader, out any) error {
	apiURL, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("failed to create API URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	log.WithFields(logFields).Debugf("POST %s took %s (status %d)", path, time.Since(start), resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &RemoteError{Status: resp.StatusCode, Message: string(bodyBytes)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{Status: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	return nil
}

// RecognizeFaces submits one image for face recognition.
func (c *Client) RecognizeFaces(ctx context.Context, img FormImage) (*predictionsResponse, error) {
	var out predictionsResponse
	img.Field = "image"
	if err := c.postMultipart(ctx, "/v1/vision/face/recognize", defaultTimeout, nil, []FormImage{img}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DetectObjects submits one image for object detection. minConfidence is a
// 0-1 fraction; conversion to whatever the backend expects happens here at
// the boundary.
func (c *Client) DetectObjects(ctx context.Context, img FormImage, minConfidence float64) (*predictionsResponse, error) {
	var out predictionsResponse
	img.Field = "image"
	fields := map[string]string{
		"min_confidence": fmt.Sprintf("%.2f", minConfidence),
	}
	if err := c.postMultipart(ctx, "/v1/vision/detection", defaultTimeout, fields, []FormImage{img}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClassifyScene submits one image for scene classification.
func (c *Client) ClassifyScene(ctx context.Context, img FormImage) (*sceneResponse, error) {
	var out sceneResponse
	img.Field = "image"
	if err := c.postMultipart(ctx, "/v1/vision/scene", defaultTimeout, nil, []FormImage{img}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MatchFaces compares the faces in two images and returns their similarity.
func (c *Client) MatchFaces(ctx context.Context, img1, img2 FormImage) (*matchResponse, error) {
	var out matchResponse
	img1.Field = "image1"
	img2.Field = "image2"
	if err := c.postMultipart(ctx, "/v1/vision/face/match", defaultTimeout, nil, []FormImage{img1, img2}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterFace registers one or more example images for an identifier. The
// caller sets the image field names (image, or image1..N for multiple).
func (c *Client) RegisterFace(ctx context.Context, userID string, images []FormImage) (*ackResponse, error) {
	var out ackResponse
	fields := map[string]string{"userid": userID}
	if err := c.postMultipart(ctx, "/v1/vision/face/register", registerTimeout, fields, images, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFaces returns the raw response of the face list endpoint. The response
// shape has drifted across DeepStack versions, so normalization is left to
// the caller.
func (c *Client) ListFaces(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.postJSON(ctx, "/v1/vision/face/list", defaultTimeout, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteFace removes all registered examples for an identifier.
func (c *Client) DeleteFace(ctx context.Context, userID string) (*ackResponse, error) {
	var out ackResponse
	fields := map[string]string{"userid": userID}
	if err := c.postMultipart(ctx, "/v1/vision/face/delete", defaultTimeout, fields, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enhance submits one image for 4x super-resolution.
func (c *Client) Enhance(ctx context.Context, img FormImage) (*enhanceResponse, error) {
	var out enhanceResponse
	img.Field = "image"
	if err := c.postMultipart(ctx, "/v1/vision/enhance", enhanceTimeout, nil, []FormImage{img}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
