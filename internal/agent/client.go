package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goudaren0528/orderinfo-server/internal/protocol"
	"github.com/goudaren0528/orderinfo-server/internal/signing"
)

// maxResponseBytes bounds how much of a server response the agent will read.
const maxResponseBytes = 1 << 20

// Client is the agent's HTTP transport. It signs every request body and
// refuses plaintext remote endpoints before any bytes leave the machine.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient validates the endpoint policy and builds the transport. Only
// https endpoints and loopback http endpoints are accepted.
func NewClient(serverURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopbackHost(u.Hostname()) {
			return nil, fmt.Errorf("plaintext endpoint %q is not loopback; use https", serverURL)
		}
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return &Client{
		baseURL: strings.TrimRight(serverURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// response is the decoded server reply plus the raw bytes for error paths.
type response struct {
	StatusCode int
	Body       []byte
}

// decode unmarshals the response body into v.
func (r *response) decode(v any) *protocol.Error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return protocol.WrapError(protocol.KindTransport, "malformed server response", err)
	}
	return nil
}

// errorMessage extracts the server's error envelope message, if any.
func (r *response) errorMessage() string {
	var envelope protocol.StatusResponse
	if err := json.Unmarshal(r.Body, &envelope); err == nil && envelope.Message != "" {
		return envelope.Message
	}
	return fmt.Sprintf("server returned status %d", r.StatusCode)
}

// postSigned canonicalizes payload, signs it with the device key and posts
// it. Connection and timeout failures come back as transport errors; HTTP
// error statuses are mapped onto the taxonomy by the caller.
func (c *Client) postSigned(ctx context.Context, path string, payload any, priv ed25519.PrivateKey) (*response, *protocol.Error) {
	body, err := signing.Canonical(payload)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInternal, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderDeviceSignature, signing.SignBytes(priv, body))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindTransport, "server unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, protocol.WrapError(protocol.KindTransport, "read server response", err)
	}
	return &response{StatusCode: resp.StatusCode, Body: raw}, nil
}

// classifyStatus maps an HTTP error status onto the error taxonomy.
func classifyStatus(r *response) *protocol.Error {
	message := r.errorMessage()
	switch r.StatusCode {
	case http.StatusBadRequest:
		return protocol.NewError(protocol.KindValidation, message)
	case http.StatusUnauthorized:
		return protocol.NewError(protocol.KindAuthentication, message)
	case http.StatusForbidden, http.StatusNotFound:
		return protocol.NewError(protocol.KindAuthorization, message)
	case http.StatusTooManyRequests:
		return protocol.NewError(protocol.KindTransport, message)
	default:
		return protocol.NewError(protocol.KindTransport, message)
	}
}
