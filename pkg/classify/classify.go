// Package classify is the client for the external car-photo classifier. The
// service takes a multipart photo upload and answers with ranked labels in
// "Make Model Year" form.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	// Photo formats accepted for upload.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedImage is returned when the photo is not a decodable image.
	ErrUnsupportedImage = errors.New("unsupported image")
	// ErrNoPrediction is returned when the service answered with no labels.
	ErrNoPrediction = errors.New("classifier returned no prediction")
)

// Prediction is one ranked label.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Client posts photos to the classifier service.
type Client struct {
	// URL is the prediction endpoint.
	URL string
	// HealthURL is probed by CheckHealth.
	HealthURL string
	HTTP      *http.Client
}

// NewClient returns a client for the prediction endpoint at predictURL. The
// health endpoint is /health on the same host.
func NewClient(predictURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(predictURL)
	if err != nil {
		return nil, fmt.Errorf("parse classifier url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("classifier url %q must be absolute", predictURL)
	}
	health := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/health"}
	return &Client{
		URL:       predictURL,
		HealthURL: health.String(),
		HTTP:      &http.Client{Timeout: timeout},
	}, nil
}

// DetectFormat reports the image format of data ("jpeg", "png", "webp", ...).
func DetectFormat(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return format, nil
}

// Classify uploads the photo and returns the most confident prediction.
func (c *Client) Classify(ctx context.Context, photo []byte) (Prediction, error) {
	format, err := DetectFormat(photo)
	if err != nil {
		return Prediction{}, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "photo."+format)
	if err != nil {
		return Prediction{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return Prediction{}, fmt.Errorf("copy image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Prediction{}, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, body)
	if err != nil {
		return Prediction{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("User-Agent", "carvision-cli")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Prediction{}, fmt.Errorf("classification failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result struct {
		Predictions []Prediction `json:"predictions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Prediction{}, fmt.Errorf("decode response: %w", err)
	}
	return top(result.Predictions)
}

// top picks the highest-confidence labelled prediction; the earlier one wins
// ties.
func top(preds []Prediction) (Prediction, error) {
	best := -1
	for i, p := range preds {
		if p.Label == "" {
			continue
		}
		if best < 0 || p.Confidence > preds[best].Confidence {
			best = i
		}
	}
	if best < 0 {
		return Prediction{}, ErrNoPrediction
	}
	return preds[best], nil
}

// CheckHealth probes the service's health endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("classifier unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier unhealthy: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
