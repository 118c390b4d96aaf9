package main

// ---------------------------------------------------------------------------
// http.go — HTTP client helpers for API communication
// ---------------------------------------------------------------------------

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// apiCall sends method to url with an optional JSON payload.
func apiCall(method, url string, payload any, apiKey string, timeout time.Duration) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to 1SEC Respond API at %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return data, fmt.Errorf("authentication failed (HTTP %d): provide --api-key or set ONESEC_API_KEY", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return data, fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return data, fmt.Errorf("API returned HTTP %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func apiGet(url, apiKey string, timeout time.Duration) ([]byte, error) {
	return apiCall(http.MethodGet, url, nil, apiKey, timeout)
}

func apiPost(url string, payload any, apiKey string, timeout time.Duration) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return apiCall(http.MethodPost, url, payload, apiKey, timeout)
}
