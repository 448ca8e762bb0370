package main

import (
	"bytes"
	"chat-engine/auth"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
)

// tokenURL derives the token endpoint from the relay websocket URL.
func tokenURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("RELAY_URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("RELAY_URL: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/v1/token"
	u.RawQuery = ""
	return u.String(), nil
}

// fetchToken exchanges an access key for a relay token.
func fetchToken(ctx context.Context, client *http.Client, relayURL, userID, accessKey string) (string, error) {
	endpoint, err := tokenURL(relayURL)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(auth.TokenRequest{UserID: userID, AccessKey: accessKey})
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := client.Do(request)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		reason, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return "", fmt.Errorf("token request: %s: %s", response.Status, bytes.TrimSpace(reason))
	}
	var reply struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	return reply.Token, nil
}
