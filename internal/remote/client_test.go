package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	var got SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"s1","clientMessageId":"c1"}`)
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	raw, err := c.SendMessage(context.Background(), SendRequest{
		FromUserID: "A", ToUserID: "B", ContentType: "text", Content: "hi", ClientMessageID: "c1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"s1","clientMessageId":"c1"}`, string(raw))
	assert.Equal(t, SendRequest{FromUserID: "A", ToUserID: "B", ContentType: "text", Content: "hi", ClientMessageID: "c1"}, got)
	assert.Equal(t, srv.URL, c.BaseURL())
}

func TestSendMessageEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	raw, err := New(srv.URL).SendMessage(context.Background(), SendRequest{ClientMessageID: "c1"})
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestNon2xxIsAPIError(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusTooManyRequests, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", code)
		}))

		_, err := New(srv.URL).SendMessage(context.Background(), SendRequest{ClientMessageID: "c1"})
		srv.Close()

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr), "status %d: %v", code, err)
		assert.Equal(t, code, apiErr.StatusCode)
		assert.Equal(t, "nope", apiErr.Body)
	}
}

func TestFetchMessagesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "A", q.Get("viewerUserId"))
		assert.Equal(t, "B", q.Get("friendUserId"))
		assert.Equal(t, "200", q.Get("limit"))
		assert.Equal(t, "2024-03-01T12:00:00.250Z", q.Get("since"))
		_, _ = io.WriteString(w, `{"items":[{"id":"s1"},{"bogus":true}]}`)
	}))
	defer srv.Close()

	since := time.Date(2024, 3, 1, 13, 0, 0, 250_000_000, time.FixedZone("CET", 3600))
	items, err := New(srv.URL).FetchMessages(context.Background(), FetchRequest{
		Viewer: "A", Friend: "B", Limit: 200, Since: since,
	})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestFetchMessagesWithoutWatermark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["since"]
		assert.False(t, present)
		_, _ = io.WriteString(w, `{"items":[]}`)
	}))
	defer srv.Close()

	items, err := New(srv.URL).FetchMessages(context.Background(), FetchRequest{Viewer: "A", Friend: "B"})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFetchMessagesMalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).FetchMessages(context.Background(), FetchRequest{Viewer: "A", Friend: "B"})
	assert.Error(t, err)
}

func TestMarkRead(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages/s%2F1/read", r.URL.EscapedPath())
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).MarkRead(context.Background(), "s/1", "B"))
	assert.Equal(t, map[string]string{"viewerUserId": "B"}, body)
}

func TestContextTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL).FetchMessages(ctx, FetchRequest{Viewer: "A", Friend: "B"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = io.WriteString(w, `{"items":[]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, WithRateLimit(20, 1))
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.FetchMessages(context.Background(), FetchRequest{Viewer: "A", Friend: "B"})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
