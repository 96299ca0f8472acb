package agent

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/goudaren0528/orderinfo-server/internal/protocol"
)

func TestEndpointPolicy(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		allowed bool
	}{
		{"https remote", "https://license.example.com", true},
		{"https with port", "https://license.example.com:8443", true},
		{"http loopback v4", "http://127.0.0.1:5005", true},
		{"http localhost", "http://localhost:5005", true},
		{"http loopback v6", "http://[::1]:5005", true},
		{"http remote", "http://license.example.com", false},
		{"http private range", "http://192.168.1.10:5005", false},
		{"unknown scheme", "ftp://license.example.com", false},
		{"garbage", "://nope", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.url, 10*time.Second)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   protocol.Kind
	}{
		{http.StatusBadRequest, protocol.KindValidation},
		{http.StatusUnauthorized, protocol.KindAuthentication},
		{http.StatusForbidden, protocol.KindAuthorization},
		{http.StatusNotFound, protocol.KindAuthorization},
		{http.StatusTooManyRequests, protocol.KindTransport},
		{http.StatusInternalServerError, protocol.KindTransport},
	}

	for _, tt := range tests {
		resp := &response{
			StatusCode: tt.status,
			Body:       []byte(`{"status":"error","message":"nope"}`),
		}
		perr := classifyStatus(resp)
		assert.Equal(t, tt.kind, perr.Kind)
		assert.Equal(t, "nope", perr.Message)
	}
}

func TestResponseErrorMessageFallback(t *testing.T) {
	resp := &response{StatusCode: 502, Body: []byte("bad gateway html")}
	assert.Contains(t, resp.errorMessage(), "502")
}
