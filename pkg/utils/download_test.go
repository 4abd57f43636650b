package utils

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("pngdata"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	get := func(path string) *http.Request {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		return req
	}

	d, err := DownloadBytes(context.Background(), srv.Client(), get("/ok"), 0)
	require.NoError(t, err)
	assert.Equal(t, "pngdata", string(d.Body))
	assert.Equal(t, "image/png", d.ContentType)

	_, err = DownloadBytes(context.Background(), srv.Client(), get("/big"), 10)
	assert.True(t, errors.Is(err, ErrTooLarge))

	_, err = DownloadBytes(context.Background(), srv.Client(), get("/missing"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}
