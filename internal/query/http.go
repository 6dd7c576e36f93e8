package query

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

const maxReplyBytes = 4 << 20

// HTTPBackend posts JSON to the check-in workflow endpoint.
type HTTPBackend struct {
	endpoint string
	flow     string
	client   *http.Client
}

func NewHTTPBackend(endpoint, flow string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{endpoint: endpoint, flow: flow, client: client}
}

func (b *HTTPBackend) Call(ctx context.Context, req Request) (Reply, error) {
	body, err := requestBody(b.flow, req)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: encode request: %v", ErrBackendCallFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: build request: %v", ErrBackendCallFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrBackendCallFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: read reply: %v", ErrBackendCallFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Reply{}, fmt.Errorf("%w: status %d", ErrBackendCallFailed, resp.StatusCode)
	}
	return ParseReply(data)
}
