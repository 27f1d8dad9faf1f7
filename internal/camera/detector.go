package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"firewatch/internal/model"
)

type Detector interface {
	Detect(ctx context.Context, frame model.Frame) (model.DetectionSample, error)
}

// HTTPDetector posts each JPEG to a detection sidecar and reads back the
// face, fire and person counts.
type HTTPDetector struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

func NewHTTPDetector(endpoint string, client *http.Client, timeout time.Duration) *HTTPDetector {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPDetector{endpoint: endpoint, client: client, timeout: timeout}
}

func (d *HTTPDetector) Detect(ctx context.Context, frame model.Frame) (model.DetectionSample, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(frame.JPEG))
	if err != nil {
		return model.DetectionSample{}, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	resp, err := d.client.Do(req)
	if err != nil {
		return model.DetectionSample{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return model.DetectionSample{}, fmt.Errorf("detector returned status %d", resp.StatusCode)
	}
	var sample model.DetectionSample
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&sample); err != nil {
		return model.DetectionSample{}, fmt.Errorf("decode detection: %w", err)
	}
	if sample.Faces < 0 || sample.Fire < 0 || sample.Persons < 0 {
		return model.DetectionSample{}, fmt.Errorf("negative detection count: %+v", sample)
	}
	return sample, nil
}
