package upload

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var fastRetry = Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

type staticThumbnail []byte

func (s staticThumbnail) Generate([]byte) ([]byte, error) { return s, nil }

// storageServer answers every PUT with the next status in statuses, repeating
// the last one once exhausted.
func storageServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		_, _ = io.Copy(io.Discard, r.Body)
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestUpload_RetriesTransientThenSucceeds(t *testing.T) {
	srv, calls := storageServer(t, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK)
	u := NewUploader(NewHTTPStorageClient(srv.URL, time.Second), staticThumbnail("thumb"), fastRetry, nil)

	res, err := u.Upload(context.Background(), []byte("asset"), Metadata{Key: "img-1", ContentType: "image/png"})
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	// three attempts for the asset, one for the thumbnail
	if got := calls.Load(); got != 4 {
		t.Errorf("storage calls = %d, want 4", got)
	}
	if res.AssetURL != srv.URL+"/img-1" {
		t.Errorf("AssetURL = %q", res.AssetURL)
	}
	if res.ThumbnailURL != srv.URL+"/img-1-thumbnail" {
		t.Errorf("ThumbnailURL = %q", res.ThumbnailURL)
	}
}

func TestUpload_ExhaustsRetries(t *testing.T) {
	srv, calls := storageServer(t, http.StatusServiceUnavailable)
	u := NewUploader(NewHTTPStorageClient(srv.URL, time.Second), staticThumbnail("thumb"), fastRetry, nil)

	res, err := u.Upload(context.Background(), []byte("asset"), Metadata{Key: "img-1"})
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("err = %v, want ErrUploadFailed", err)
	}
	var uploadErr *Error
	if !errors.As(err, &uploadErr) {
		t.Fatalf("err is %T, want *Error", err)
	}
	if uploadErr.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", uploadErr.Attempts)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("last cause = %v, want 503 status error", err)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("storage calls = %d, want 4", got)
	}
}

func TestUpload_TooManyRequestsIsRetried(t *testing.T) {
	srv, calls := storageServer(t, http.StatusTooManyRequests, http.StatusCreated)
	u := NewUploader(NewHTTPStorageClient(srv.URL, time.Second), nil, fastRetry, nil)

	_, err := u.Upload(context.Background(), []byte("asset"), Metadata{Key: "k", Thumbnail: []byte("t")})
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("storage calls = %d, want 3", got)
	}
}

func TestUpload_ClientErrorIsTerminal(t *testing.T) {
	srv, calls := storageServer(t, http.StatusBadRequest)
	u := NewUploader(NewHTTPStorageClient(srv.URL, time.Second), staticThumbnail("thumb"), fastRetry, nil)

	_, err := u.Upload(context.Background(), []byte("asset"), Metadata{Key: "img-1"})
	var uploadErr *Error
	if !errors.As(err, &uploadErr) || !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("err = %v, want *Error wrapping ErrUploadFailed", err)
	}
	if uploadErr.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", uploadErr.Attempts)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("storage calls = %d, want 1", got)
	}
}

func TestUpload_NetworkErrorIsRetried(t *testing.T) {
	srv, _ := storageServer(t, http.StatusOK)
	base := srv.URL
	srv.Close()

	u := NewUploader(NewHTTPStorageClient(base, time.Second), staticThumbnail("thumb"), fastRetry, nil)
	_, err := u.Upload(context.Background(), []byte("asset"), Metadata{Key: "img-1"})
	var uploadErr *Error
	if !errors.As(err, &uploadErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if uploadErr.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", uploadErr.Attempts)
	}
}

func TestUpload_MalformedStorageURLIsTerminal(t *testing.T) {
	for _, base := range []string{"ftp://storage.test/assets", "http://[::1", "storage.test/assets"} {
		u := NewUploader(NewHTTPStorageClient(base, time.Second), staticThumbnail("thumb"), fastRetry, nil)
		_, err := u.Upload(context.Background(), []byte("asset"), Metadata{Key: "img-1"})
		var uploadErr *Error
		if !errors.As(err, &uploadErr) {
			t.Fatalf("%s: err = %v, want *Error", base, err)
		}
		if uploadErr.Attempts != 1 {
			t.Errorf("%s: Attempts = %d, want 1", base, uploadErr.Attempts)
		}
		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			t.Errorf("%s: err = %v, want a RequestError", base, err)
		}
	}
}

func TestUpload_ContextCancelsBackoff(t *testing.T) {
	srv, calls := storageServer(t, http.StatusServiceUnavailable)
	slow := Config{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	u := NewUploader(NewHTTPStorageClient(srv.URL, time.Second), staticThumbnail("thumb"), slow, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := u.Upload(ctx, []byte("asset"), Metadata{Key: "img-1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if !errors.Is(err, ErrUploadFailed) {
		t.Errorf("err = %v, want ErrUploadFailed", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("upload took %v after cancellation", elapsed)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("storage calls = %d, want 1", got)
	}
}

func TestUpload_UsesGeneratedThumbnail(t *testing.T) {
	var mu sync.Mutex
	bodies := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies[r.URL.Path] = string(b) + "|" + r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := NewUploader(NewHTTPStorageClient(srv.URL, time.Second), staticThumbnail("generated"), fastRetry, nil)
	if _, err := u.Upload(context.Background(), []byte("asset"), Metadata{Key: "a", ContentType: "image/jpeg"}); err != nil {
		t.Fatalf("Upload error: %v", err)
	}

	if got := bodies["/a"]; got != "asset|image/jpeg" {
		t.Errorf("asset body = %q", got)
	}
	if got := bodies["/a-thumbnail"]; got != "generated|image/png" {
		t.Errorf("thumbnail body = %q", got)
	}
}

func TestUpload_RejectsEmptyAsset(t *testing.T) {
	u := NewUploader(NewHTTPStorageClient("http://unused", time.Second), nil, fastRetry, nil)
	if _, err := u.Upload(context.Background(), nil, Metadata{Key: "a"}); !errors.Is(err, ErrUploadFailed) {
		t.Errorf("err = %v, want ErrUploadFailed", err)
	}
}

func TestUploader_BackoffDelays(t *testing.T) {
	u := NewUploader(nil, nil, Config{MaxRetries: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}, nil)
	b := u.newBackOff()

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("delay %d = %v, want %v", i, got, w)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", &url.Error{Op: "Put", URL: "http://storage", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, true},
		{"timeout", &net.DNSError{Err: "timeout", IsTimeout: true}, true},
		{"request", &RequestError{Err: errors.New("bad url")}, false},
		{"unclassified", errors.New("boom"), false},
		{"server error", &StatusError{StatusCode: 500}, true},
		{"bad gateway", &StatusError{StatusCode: 502}, true},
		{"rate limited", &StatusError{StatusCode: 429}, true},
		{"bad request", &StatusError{StatusCode: 400}, false},
		{"forbidden", &StatusError{StatusCode: 403}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
