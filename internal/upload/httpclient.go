package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError is returned when the storage service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("storage responded %d: %s", e.StatusCode, e.Body)
}

// RequestError is returned when no request could be built for a Put, for
// example because the storage URL is malformed.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return "invalid storage request: " + e.Err.Error()
}

func (e *RequestError) Unwrap() error { return e.Err }

// IsTransient reports whether a failed Put may succeed when repeated. Server
// errors and 429 are transient, as are transport failures. Anything else,
// including a RequestError, is terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError || se.StatusCode == http.StatusTooManyRequests
	}
	var re *RequestError
	if errors.As(err, &re) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// HTTPStorageClient PUTs objects to {baseURL}/{key}. The public URL of a
// stored object is the request URL unless the service returns a Location header.
type HTTPStorageClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPStorageClient(baseURL string, timeout time.Duration) *HTTPStorageClient {
	return &HTTPStorageClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPStorageClient) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	target := c.baseURL + "/" + url.PathEscape(key)
	parsed, err := url.Parse(target)
	if err != nil {
		return "", &RequestError{Err: err}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", &RequestError{Err: fmt.Errorf("unsupported scheme %q in %s", parsed.Scheme, c.baseURL)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return "", &RequestError{Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	if location := resp.Header.Get("Location"); location != "" {
		return location, nil
	}
	return target, nil
}
