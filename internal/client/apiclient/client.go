package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ivankudzin/attachvault/internal/infra/httpclient"
	"github.com/ivankudzin/attachvault/internal/transport/http/dto"
)

const maxResponseBytes = 2 << 20

// Client talks to the attachments API and uploads bytes to presigned URLs.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	transfer   *http.Client
}

type RequestError struct {
	Op         string
	StatusCode int
	Code       string
	Retryable  bool
	Err        error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("%s: status=%d: %v", e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: status=%d", e.Op, e.StatusCode)
	default:
		return e.Op
	}
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, &RequestError{Op: "create api client", Err: errors.New("api url is empty")}
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, &RequestError{Op: "parse api url", Err: err}
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, &RequestError{Op: "validate api url", Err: fmt.Errorf("invalid api url: %s", trimmed)}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		token:      strings.TrimSpace(token),
		httpClient: httpclient.New(timeout),
		transfer:   httpclient.NewStreaming(timeout),
	}, nil
}

// IsRetryable reports whether repeating the call may succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsBackendUnavailable reports whether the server has no remote storage to
// presign against.
func IsBackendUnavailable(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	return reqErr.Code == "BACKEND_UNAVAILABLE" || reqErr.StatusCode == http.StatusServiceUnavailable
}

func (c *Client) List(ctx context.Context, parentID int64) ([]dto.AttachmentResponse, error) {
	var out dto.AttachmentsListResponse
	if err := c.doJSON(ctx, http.MethodGet, attachmentsPath(parentID, ""), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Delete(ctx context.Context, parentID, attachmentID int64) error {
	return c.doJSON(ctx, http.MethodDelete, attachmentsPath(parentID, "/"+strconv.FormatInt(attachmentID, 10)), nil, nil)
}

func (c *Client) Presign(ctx context.Context, parentID int64, req dto.UploadIntentRequest) (dto.PresignResponse, error) {
	var out dto.PresignResponse
	err := c.doJSON(ctx, http.MethodPost, attachmentsPath(parentID, "/presign"), req, &out)
	return out, err
}

func (c *Client) Record(ctx context.Context, parentID int64, req dto.RecordRequest) (dto.AttachmentResponse, error) {
	var out dto.AttachmentResponse
	err := c.doJSON(ctx, http.MethodPost, attachmentsPath(parentID, "/record"), req, &out)
	return out, err
}

func (c *Client) InitiateMultipart(ctx context.Context, parentID int64, req dto.UploadIntentRequest) (dto.MultipartInitiateResponse, error) {
	var out dto.MultipartInitiateResponse
	err := c.doJSON(ctx, http.MethodPost, attachmentsPath(parentID, "/multipart/initiate"), req, &out)
	return out, err
}

func (c *Client) PresignPart(ctx context.Context, parentID int64, req dto.PresignPartRequest) (dto.PresignPartResponse, error) {
	var out dto.PresignPartResponse
	err := c.doJSON(ctx, http.MethodPost, attachmentsPath(parentID, "/multipart/presign-part"), req, &out)
	return out, err
}

func (c *Client) CompleteMultipart(ctx context.Context, parentID int64, req dto.CompleteMultipartRequest) (dto.CompleteMultipartResponse, error) {
	var out dto.CompleteMultipartResponse
	err := c.doJSON(ctx, http.MethodPost, attachmentsPath(parentID, "/multipart/complete"), req, &out)
	return out, err
}

func (c *Client) AbortMultipart(ctx context.Context, parentID int64, req dto.MultipartSessionRequest) error {
	return c.doJSON(ctx, http.MethodPost, attachmentsPath(parentID, "/multipart/abort"), req, nil)
}

// Ingest streams the file through the direct upload endpoint.
func (c *Client) Ingest(ctx context.Context, parentID int64, name, mimeType string, body io.Reader) (dto.AttachmentResponse, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
		if mimeType != "" {
			header.Set("Content-Type", mimeType)
		}
		part, err := form.CreatePart(header)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = form.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+attachmentsPath(parentID, ""), pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return dto.AttachmentResponse{}, &RequestError{Op: "create ingest request", Err: err}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	c.authorize(req)

	var out dto.AttachmentResponse
	respBody, err := c.send(c.transfer, req, "ingest")
	_ = pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return out, &RequestError{Op: "decode ingest response", Err: err}
	}
	return out, nil
}

// PutObject uploads size bytes to a presigned URL and returns the ETag the
// storage reported.
func (c *Client) PutObject(ctx context.Context, target string, headers map[string]string, body io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return "", &RequestError{Op: "create put request", Err: err}
	}
	req.ContentLength = size
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.transfer.Do(req)
	if err != nil {
		return "", &RequestError{Op: "put object", Retryable: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &RequestError{
			Op:         "put object",
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}
	return resp.Header.Get("ETag"), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, requestBody, responseBody any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		payload, err := json.Marshal(requestBody)
		if err != nil {
			return &RequestError{Op: "marshal request body", Err: err}
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return &RequestError{Op: "create http request", Err: err}
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	respBody, err := c.send(c.httpClient, req, method+" "+path)
	if err != nil {
		return err
	}
	if responseBody == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, responseBody); err != nil {
		return &RequestError{Op: "decode http response", Err: err}
	}
	return nil
}

func (c *Client) send(client *http.Client, req *http.Request, op string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &RequestError{Op: op, Retryable: req.Context().Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &apiErr)
		message := strings.TrimSpace(apiErr.Message)
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, &RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       apiErr.Code,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        errors.New(message),
		}
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func attachmentsPath(parentID int64, suffix string) string {
	return "/parents/" + strconv.FormatInt(parentID, 10) + "/attachments" + suffix
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}
