package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlistings/harvester/internal/pipeline"
)

func testClient(baseURL string) *Client {
	return New(Config{
		BaseURL:   baseURL,
		Token:     "tok-123",
		DatasetID: "gd_test",
	}, nil)
}

func TestSubmitReturnsSnapshotID(t *testing.T) {
	t.Parallel()

	var gotAuth, gotQuery string
	var gotItems []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/trigger", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotItems))
		w.Write([]byte(`{"snapshot_id": "s_abc123"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	handle, err := c.Submit(context.Background(), []pipeline.Item{{"location": "seattle"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "s_abc123", handle)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Contains(t, gotQuery, "dataset_id=gd_test")
	assert.Contains(t, gotQuery, "format=json")
	require.Len(t, gotItems, 1)
	assert.Equal(t, "seattle", gotItems[0]["location"])
}

func TestSubmitEmbedsWebhookConfig(t *testing.T) {
	t.Parallel()

	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"snapshot_id": "s_hooked"}`))
	}))
	defer srv.Close()

	hook := &pipeline.WebhookConfig{
		NotifyURL: "https://ingest.example.com/webhooks/notify?secret=xyz",
		DataURL:   "https://ingest.example.com/webhooks/endpoint?secret=xyz",
		Secret:    "xyz",
	}
	c := testClient(srv.URL)
	_, err := c.Submit(context.Background(), []pipeline.Item{{"id": "1"}}, hook)
	require.NoError(t, err)
	assert.Equal(t, []string{hook.NotifyURL}, query["notify"])
	assert.Equal(t, []string{hook.DataURL}, query["endpoint"])
	assert.Equal(t, []string{"Bearer xyz"}, query["auth_header"])
}

func TestSubmitMissingSnapshotIDIsRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "accepted"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Submit(context.Background(), []pipeline.Item{{"id": "1"}}, nil)
	require.ErrorIs(t, err, pipeline.ErrProviderRejected)
}

func TestSubmitClientErrorIsRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "bad dataset"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Submit(context.Background(), []pipeline.Item{{"id": "1"}}, nil)
	require.ErrorIs(t, err, pipeline.ErrProviderRejected)
	assert.Contains(t, err.Error(), "bad dataset")
}

func TestSubmitServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Submit(context.Background(), []pipeline.Item{{"id": "1"}}, nil)
	require.ErrorIs(t, err, pipeline.ErrProviderUnavailable)
}

func TestSubmitTransportErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := testClient(srv.URL)
	_, err := c.Submit(context.Background(), []pipeline.Item{{"id": "1"}}, nil)
	require.ErrorIs(t, err, pipeline.ErrProviderUnavailable)
}

func TestPollStatusCanonicalizes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want pipeline.SubmissionStatus
	}{
		{"ready", pipeline.StatusReady},
		{"completed", pipeline.StatusReady},
		{"complete", pipeline.StatusReady},
		{"scheduled", pipeline.StatusPending},
		{"building", pipeline.StatusRunning},
		{"collecting", pipeline.StatusRunning},
		{"error", pipeline.StatusFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/progress/s_1", r.URL.Path)
				json.NewEncoder(w).Encode(map[string]string{"status": tt.raw})
			}))
			defer srv.Close()

			sig, err := testClient(srv.URL).PollStatus(context.Background(), "s_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, sig.Status)
		})
	}
}

func TestPollStatusNotFoundMeansPending(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	sig, err := testClient(srv.URL).PollStatus(context.Background(), "s_new")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusPending, sig.Status)
}

func TestPollStatusCarriesProviderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "failed", "error": "crawl blocked"}`))
	}))
	defer srv.Close()

	sig, err := testClient(srv.URL).PollStatus(context.Background(), "s_1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, sig.Status)
	assert.Equal(t, "crawl blocked", sig.Error)
}

func TestFetchResultInline(t *testing.T) {
	t.Parallel()

	payload := `[{"id": "1"}, {"id": "2"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/snapshot/s_1", r.URL.Path)
		require.Equal(t, "json", r.URL.Query().Get("format"))
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	body, err := testClient(srv.URL).FetchResult(context.Background(), "s_1")
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(body))
}

func TestFetchResultFollowsDownloadURLOnce(t *testing.T) {
	t.Parallel()

	payload := `[{"id": "42"}]`
	var downloadAuth string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/snapshot/s_big", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/download/s_big"})
	})
	mux.HandleFunc("/download/s_big", func(w http.ResponseWriter, r *http.Request) {
		downloadAuth = r.Header.Get("Authorization")
		w.Write([]byte(payload))
	})

	body, err := testClient(srv.URL).FetchResult(context.Background(), "s_big")
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(body))
	assert.Equal(t, "Bearer tok-123", downloadAuth)
}

func TestFetchResultDoesNotFollowRelativeURL(t *testing.T) {
	t.Parallel()

	// A record that happens to carry a non-absolute "url" field is data, not
	// a redirect.
	payload := `{"url": "/listing/123", "id": "123"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	body, err := testClient(srv.URL).FetchResult(context.Background(), "s_1")
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(body))
}

func TestFetchResultServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchResult(context.Background(), "s_1")
	require.ErrorIs(t, err, pipeline.ErrProviderUnavailable)
}

func TestRateLimitHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	c := New(Config{
		BaseURL:           "http://127.0.0.1:0",
		RequestsPerSecond: 0.001,
		Burst:             1,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The bucket starts full; drain it with a request that fails at the
	// transport, then the second call blocks on the limiter.
	_, _ = c.PollStatus(context.Background(), "s_1")
	_, err := c.PollStatus(ctx, "s_1")
	require.ErrorIs(t, err, context.Canceled)
}
