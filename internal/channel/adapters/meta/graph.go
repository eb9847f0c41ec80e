// Package meta holds the Graph API client and webhook envelope types shared by
// the Meta platforms: WhatsApp Business, Messenger and Instagram.
package meta

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

const (
	DefaultBaseURL = "https://graph.facebook.com"
	DefaultVersion = "v18.0"
)

// GraphClient posts JSON to the Graph API.
type GraphClient struct {
	baseURL string
	version string
	http    *http.Client
}

// NewGraphClient creates a client for baseURL/version. Empty values fall back
// to the public Graph endpoint.
func NewGraphClient(httpClient *http.Client, baseURL, version string) *GraphClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	version = strings.Trim(strings.TrimSpace(version), "/")
	if version == "" {
		version = DefaultVersion
	}
	return &GraphClient{baseURL: baseURL, version: version, http: httpClient}
}

// APIError is a non-2xx Graph response.
type APIError struct {
	Status  int
	Message string
	Type    string
	Code    int
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("graph api: status %d", e.Status)
	}
	return fmt.Sprintf("graph api: status %d: %s (code %d)", e.Status, e.Message, e.Code)
}

// Endpoint returns the absolute URL of a Graph path such as "me/messages".
func (c *GraphClient) Endpoint(path string) string {
	return c.baseURL + "/" + c.version + "/" + strings.TrimLeft(path, "/")
}

// PostJSON sends payload to path. A non-empty bearer token goes in the
// Authorization header; query parameters are appended as-is.
func (c *GraphClient) PostJSON(ctx context.Context, path, bearer string, query url.Values, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode graph payload: %w", err)
	}
	endpoint := c.Endpoint(path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read graph response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, parseAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func parseAPIError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Message = envelope.Error.Message
		apiErr.Type = envelope.Error.Type
		apiErr.Code = envelope.Error.Code
	}
	return apiErr
}
