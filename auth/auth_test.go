package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin_SuccessViaCodeForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","message":"","data":{"token":"tok123","user":{"userId":"u1","name":"Alice"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	res, err := c.Login(t.Context(), "a@b.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok123", res.Token)
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, "Alice", res.DisplayName)
}

func TestLogin_SuccessViaMessageForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"1","message":"Success","data":{"token":"tok123","user":{"userId":"u1"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	res, err := c.Login(t.Context(), "a@b.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok123", res.Token)
}

func TestLogin_FailureSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"1","message":"bad credentials","data":{}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Login(t.Context(), "a@b.com", "pw")
	require.Error(t, err)
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "bad credentials", apiErr.Message)
}

func TestLogin_MissingTokenSurfacesMissingFieldError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":{"user":{"userId":"u1"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Login(t.Context(), "a@b.com", "pw")
	require.Error(t, err)
	var missing *backend.MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "data.token", missing.Field)
}

func TestFetchBrokerCredentials_ClientIDShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
		w.Write([]byte(`{"code":"0","data":{"url":"mqtt.ecoflow.com","port":"8883","certificateAccount":"acct","certificatePassword":"pw"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	creds, err := c.FetchBrokerCredentials(t.Context(), "tok123", "u1")
	require.NoError(t, err)
	assert.Equal(t, "mqtt.ecoflow.com", creds.Host)
	assert.Equal(t, "8883", creds.Port)
	assert.Equal(t, "acct", creds.Username)
	assert.Equal(t, "pw", creds.Password)
	assert.Contains(t, creds.ClientID, "ANDROID_")
	assert.Contains(t, creds.ClientID, "_u1")
}

func TestFetchBrokerCredentials_MissingFieldSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":{"url":"mqtt.ecoflow.com"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.FetchBrokerCredentials(t.Context(), "tok123", "u1")
	require.Error(t, err)
	var missing *backend.MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "data.port", missing.Field)
}
