package apiapp

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/ivankudzin/attachvault/internal/infra/metrics"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func TestTokenAuthMiddlewareAcceptsMatchingToken(t *testing.T) {
	mw := TokenAuthMiddleware("secret-token", zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/parents/1/attachments", nil)
	req.Header.Set("Authorization", "bearer secret-token")
	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(okHandler)).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusNoContent)
	}
}

func TestTokenAuthMiddlewareRejectsBadTokens(t *testing.T) {
	mw := TokenAuthMiddleware("secret-token", zap.NewNop())

	for _, header := range []string{"", "Bearer", "Bearer wrong", "Basic secret-token", "secret-token"} {
		req := httptest.NewRequest(http.MethodGet, "/parents/1/attachments", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			t.Fatalf("handler must not be called for %q", header)
		})).ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%q: unexpected status: got %d want %d", header, rr.Code, http.StatusUnauthorized)
		}
	}
}

func TestTokenAuthMiddlewareDisabledWithoutToken(t *testing.T) {
	mw := TokenAuthMiddleware("  ", nil)

	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(okHandler)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusNoContent)
	}
}

func TestDownloadsOutliveRequestTimeouts(t *testing.T) {
	slow := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(150 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte("done"))
	}

	r := chi.NewRouter()
	ApplyMiddlewares(r, zap.NewNop(), 50*time.Millisecond)
	r.Get("/parents/{parentID}/attachments/{attachmentID}/download", slow)
	r.Get("/parents/{parentID}/attachments/{attachmentID}/url", slow)

	srv := httptest.NewUnstartedServer(r)
	srv.Config.WriteTimeout = 100 * time.Millisecond
	srv.Start()
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/parents/1/attachments/2/download")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK || string(body) != "done" {
		t.Fatalf("download cut off: status=%d body=%q err=%v", resp.StatusCode, body, err)
	}

	resp, err = srv.Client().Get(srv.URL + "/parents/1/attachments/2/url")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected other routes to time out, got %d", resp.StatusCode)
	}
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)
	r.Get("/parents/{parentID}/things", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/parents/{parentID}/things", "202")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"1", "2", "3"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/parents/"+id+"/things", nil))
	}

	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Fatalf("expected 3 requests under one route label, got %v", got)
	}
}
