package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ivankudzin/attachvault/internal/transport/http/dto"
)

func TestNewClientValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "  ", "not a url", "/relative"} {
		if _, err := NewClient(raw, "token", time.Second); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestClientSendsBearerTokenAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected Authorization: %q", got)
		}
		if r.URL.Path != "/parents/7/attachments/presign" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req dto.UploadIntentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Filename != "a.pdf" || req.Size != 10 {
			t.Fatalf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(dto.PresignResponse{UploadURL: "http://s3/put", Key: "7/k-a.pdf", ExpiresIn: 60})
	}))
	defer server.Close()

	client, err := NewClient(server.URL+"/", "secret", time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	out, err := client.Presign(context.Background(), 7, dto.UploadIntentRequest{Filename: "a.pdf", ContentType: "application/pdf", Size: 10})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if out.Key != "7/k-a.pdf" || out.ExpiresIn != 60 {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestClientClassifiesErrors(t *testing.T) {
	testCases := []struct {
		name        string
		status      int
		code        string
		retryable   bool
		unavailable bool
	}{
		{name: "validation", status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "unauthorized", status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "upstream", status: http.StatusBadGateway, code: "UPSTREAM_FAILURE", retryable: true},
		{name: "backend", status: http.StatusServiceUnavailable, code: "BACKEND_UNAVAILABLE", retryable: true, unavailable: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":"` + tc.code + `","message":"boom"}`))
			}))
			defer server.Close()

			client, err := NewClient(server.URL, "", time.Second)
			if err != nil {
				t.Fatalf("new client: %v", err)
			}

			_, err = client.InitiateMultipart(context.Background(), 1, dto.UploadIntentRequest{Filename: "a", ContentType: "application/pdf", Size: 1})
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("expected RequestError, got %v", err)
			}
			if reqErr.Code != tc.code || reqErr.StatusCode != tc.status {
				t.Fatalf("unexpected error fields: %+v", reqErr)
			}
			if IsRetryable(err) != tc.retryable {
				t.Fatalf("unexpected retryable: %v", IsRetryable(err))
			}
			if IsBackendUnavailable(err) != tc.unavailable {
				t.Fatalf("unexpected unavailable: %v", IsBackendUnavailable(err))
			}
		})
	}
}

func TestIngestSendsMultipartForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/parents/3/attachments" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "notes.pdf" || string(data) != "%PDF-1.4 body" {
			t.Fatalf("unexpected part: %s %q", header.Filename, data)
		}
		if got := header.Header.Get("Content-Type"); got != "application/pdf" {
			t.Fatalf("unexpected part content type: %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(dto.AttachmentResponse{ID: 11, ParentID: 3, OriginalName: header.Filename, SizeBytes: int64(len(data))})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "", time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	att, err := client.Ingest(context.Background(), 3, "notes.pdf", "application/pdf", strings.NewReader("%PDF-1.4 body"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if att.ID != 11 || att.SizeBytes != 13 {
		t.Fatalf("unexpected attachment: %+v", att)
	}
}

func TestPutObjectReturnsETag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "image/png" {
			t.Fatalf("unexpected content type: %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "abc" || r.ContentLength != 3 {
			t.Fatalf("unexpected body %q len=%d", body, r.ContentLength)
		}
		w.Header().Set("ETag", `"etag-1"`)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "", time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	etag, err := client.PutObject(context.Background(), server.URL+"/bucket/key", map[string]string{"Content-Type": "image/png"}, strings.NewReader("abc"), 3)
	if err != nil {
		t.Fatalf("put object: %v", err)
	}
	if etag != `"etag-1"` {
		t.Fatalf("unexpected etag: %q", etag)
	}
}

func TestPutObjectFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "", time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.PutObject(context.Background(), server.URL, nil, strings.NewReader("x"), 1)
	if !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
