package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"field-service-coordination-system/shared/config"
	"field-service-coordination-system/shared/events"
	"field-service-coordination-system/shared/faultx"
	"field-service-coordination-system/shared/metricsx"
)

// AttachmentClient uploads files to the attachment gateway before any task
// state changes. Every failure comes back as a faultx.UploadError so callers
// can abandon the whole operation without having touched the database.
type AttachmentClient struct {
	baseURL  string
	token    string
	timeout  time.Duration
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

type Upload struct {
	Filename string
	MimeType string
	Content  []byte
}

func NewAttachmentClient(cfg config.Config) (*AttachmentClient, error) {
	if cfg.GatewayURL == "" {
		return nil, errors.New("ATTACHMENT_GATEWAY_URL is required")
	}
	timeout := time.Duration(cfg.UploadTimeoutMS) * time.Millisecond
	return &AttachmentClient{
		baseURL:  cfg.GatewayURL,
		token:    cfg.GatewayToken,
		timeout:  timeout,
		retryMax: cfg.UploadRetryMax,
		http:     &http.Client{Timeout: timeout},
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}, nil
}

// UploadAll sends the files sequentially and returns refs in input order.
// There is no cleanup path for partial success: the gateway is content
// addressed and orphaned uploads are garbage collected on its side, so the
// only contract here is that an error means the caller must not proceed.
func (c *AttachmentClient) UploadAll(ctx context.Context, taskID uuid.UUID, uploads []Upload) ([]events.AttachmentRef, error) {
	refs := make([]events.AttachmentRef, 0, len(uploads))
	for _, upload := range uploads {
		ref, err := c.uploadOne(ctx, taskID, upload)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (c *AttachmentClient) uploadOne(ctx context.Context, taskID uuid.UUID, upload Upload) (events.AttachmentRef, error) {
	if c == nil || c.http == nil {
		return events.AttachmentRef{}, &faultx.UploadError{Err: errors.New("attachment client not initialized")}
	}
	if c.breaker.Open() {
		metricsx.IncUploadFailure()
		return events.AttachmentRef{}, &faultx.UploadError{Err: errors.New("attachment gateway circuit open")}
	}

	body, contentType, err := multipartBody(taskID, upload)
	if err != nil {
		return events.AttachmentRef{}, &faultx.UploadError{Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/attachments", bytes.NewReader(body))
		if err != nil {
			return events.AttachmentRef{}, &faultx.UploadError{Err: err}
		}
		req.Header.Set("Content-Type", contentType)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.breaker.Fail()
			continue
		}
		ref, retryable, err := decodeUploadResponse(resp)
		if err == nil {
			c.breaker.Success()
			return ref, nil
		}
		lastErr = err
		if !retryable {
			metricsx.IncUploadFailure()
			return events.AttachmentRef{}, &faultx.UploadError{Err: err}
		}
		c.breaker.Fail()
	}
	if lastErr == nil {
		lastErr = errors.New("attachment upload failed")
	}
	metricsx.IncUploadFailure()
	return events.AttachmentRef{}, &faultx.UploadError{Err: lastErr}
}

func decodeUploadResponse(resp *http.Response) (events.AttachmentRef, bool, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return events.AttachmentRef{}, true, fmt.Errorf("attachment gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return events.AttachmentRef{}, false, fmt.Errorf("attachment gateway rejected upload with %d", resp.StatusCode)
	}
	var ref events.AttachmentRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return events.AttachmentRef{}, true, err
	}
	if ref.ID == uuid.Nil {
		return events.AttachmentRef{}, false, errors.New("attachment gateway returned empty ref")
	}
	return ref, false, nil
}

func multipartBody(taskID uuid.UUID, upload Upload) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("task_id", taskID.String()); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("mime_type", upload.MimeType); err != nil {
		return nil, "", err
	}
	part, err := writer.CreateFormFile("file", upload.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(upload.Content); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
