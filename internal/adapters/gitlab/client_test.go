package gitlab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/config"
	"vigil/internal/domain"
)

func newClient(baseURL string) *Client {
	return New(config.PipelineConfig{
		BaseURL:        baseURL,
		ProjectID:      "42",
		TriggerToken:   "trig-tok",
		TriggerRef:     "main",
		APIToken:       "api-tok",
		TriggerTimeout: 2 * time.Second,
		StatusTimeout:  time.Second,
	})
}

func testJob() *domain.Job {
	return &domain.Job{
		ID:            "j1",
		Lane:          domain.LaneScan,
		ServiceID:     "s1",
		RepoURL:       "https://git.example.com/acme/api.git",
		ContextPath:   "services/api",
		ImageName:     "acme/api",
		ImageTag:      "v1",
		Username:      "jdoe",
		GitCredential: "secret",
	}
}

func TestTriggerSendsFormAndReturnsID(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 999, "status": "pending", "web_url": "https://ci.example.com/p/999"}`))
	}))
	defer srv.Close()

	ref, webURL, err := newClient(srv.URL).Trigger(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, "999", ref)
	assert.Equal(t, "https://ci.example.com/p/999", webURL)

	assert.Equal(t, "/api/v4/projects/42/trigger/pipeline", got.URL.Path)
	assert.Equal(t, "trig-tok", got.PostForm.Get("token"))
	assert.Equal(t, "main", got.PostForm.Get("ref"))
	assert.Equal(t, "SCAN", got.PostForm.Get("variables[SCAN_MODE]"))
	assert.Equal(t, "https://git.example.com/acme/api.git", got.PostForm.Get("variables[REPO_URL]"))
	assert.Equal(t, "secret", got.PostForm.Get("variables[GIT_CREDENTIAL]"))
	assert.Equal(t, "jdoe", got.PostForm.Get("variables[DISPLAY_NAME]"))
}

func TestTriggerNon2xxReturnsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "404 Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, _, err := newClient(srv.URL).Trigger(context.Background(), testJob())
	var terr *TriggerError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusNotFound, terr.StatusCode)
	assert.Contains(t, terr.Body, "404 Not Found")
}

func TestTriggerTimesOut(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := newClient(srv.URL)
	c.triggerTimeout = 50 * time.Millisecond

	_, _, err := c.Trigger(context.Background(), testJob())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatusReturnsStateAndURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/42/pipelines/999", r.URL.Path)
		assert.Equal(t, "api-tok", r.Header.Get("PRIVATE-TOKEN"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 999, "status": "success", "web_url": "https://ci.example.com/p/999"}`))
	}))
	defer srv.Close()

	info, err := newClient(srv.URL).Status(context.Background(), "999")
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineSuccess, info.State)
	assert.Equal(t, "https://ci.example.com/p/999", info.WebURL)
}

func TestStatusDistinguishesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "404 Pipeline Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Status(context.Background(), "999")
	assert.ErrorIs(t, err, domain.ErrPipelineNotFound)
}

func TestStatusDistinguishesAuthFailure(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "denied"}`, code)
		}))

		_, err := newClient(srv.URL).Status(context.Background(), "999")
		assert.ErrorIs(t, err, domain.ErrPipelineAuth)
		srv.Close()
	}
}

func TestStatusOtherErrorIsPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Status(context.Background(), "999")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPipelineNotFound)
	assert.NotErrorIs(t, err, domain.ErrPipelineAuth)
}
