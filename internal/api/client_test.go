package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSendsQueryAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sheet-music/part", r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("sheetMusicId"))
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"Soprano"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "secret", nil)
	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, c.Get(context.Background(), "/sheet-music/part", url.Values{"sheetMusicId": {"abc"}}, &out))
	assert.Equal(t, "Soprano", out.Name)
}

func TestDoEncodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"a":1}`, string(data))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	require.NoError(t, c.Do(context.Background(), http.MethodPost, "/x", nil, map[string]int{"a": 1}, nil))
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		notFound bool
	}{
		{name: "not found", status: http.StatusNotFound, notFound: true},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "unauthorized", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			err := New(srv.URL, "", nil).Get(context.Background(), "/y", nil, nil)
			require.Error(t, err)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.Status)
			assert.Equal(t, "nope", se.Body)
			assert.Equal(t, tt.notFound, errors.Is(err, ErrNotFound))
		})
	}
}

func TestDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	var out map[string]any
	err := New(srv.URL, "", nil).Get(context.Background(), "/z", nil, &out)
	assert.ErrorContains(t, err, "decode GET /z")
}

func TestIDDecoding(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{`"ex-1"`, "ex-1"},
		{`17`, "17"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var id ID
		require.NoError(t, id.UnmarshalJSON([]byte(tt.in)))
		assert.Equal(t, tt.want, id)
	}

	var id ID
	assert.Error(t, id.UnmarshalJSON([]byte(`{}`)))
}
