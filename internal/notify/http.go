package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxResponseBody = 1 << 20

type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	endpoint := req.Endpoint
	var body io.Reader
	if req.Payload != nil {
		if req.Method.HasBody() {
			data, err := json.Marshal(req.Payload)
			if err != nil {
				return nil, fmt.Errorf("encode payload: %w", err)
			}
			body = bytes.NewReader(data)
		} else {
			q, err := queryFromPayload(req.Payload)
			if err != nil {
				return nil, err
			}
			endpoint = appendQuery(endpoint, q)
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method.String(), endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{Method: req.Method, Endpoint: req.Endpoint, StatusCode: resp.StatusCode}
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	Method     Method
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Endpoint, e.StatusCode)
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// queryFromPayload flattens a JSON object payload into query parameters for
// verbs without a body.
func queryFromPayload(payload any) (url.Values, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("payload must be an object for query encoding: %w", err)
	}
	q := url.Values{}
	for k, v := range obj {
		q.Set(k, fmt.Sprint(v))
	}
	return q, nil
}

func appendQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + q.Encode()
}
