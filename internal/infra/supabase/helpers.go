package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// ============================================================
// HTTP helpers for GET, POST, PATCH, DELETE
// ============================================================

// do executes an authenticated request to Supabase PostgREST.
// A nil payload sends no body. A 404 or 204 yields (nil, nil).
func (c *Client) do(ctx context.Context, method, path string, payload any, prefer string) ([]byte, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)

	var reader io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		c.logger.Error("supabase: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.serviceRoleKey))
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("supabase: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("supabase: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, &statusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(body)}
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return body, nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil, "")
}

// doPost inserts one row (map) or many rows (slice) and returns the representation.
func (c *Client) doPost(ctx context.Context, table string, data any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, table, data, "return=representation")
}

func (c *Client) doPatch(ctx context.Context, path string, data any) error {
	_, err := c.do(ctx, http.MethodPatch, path, data, "return=minimal")
	return err
}

func (c *Client) doDelete(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil, "")
	return err
}

// decodeRows unmarshals a PostgREST array, treating an empty body as no rows.
func decodeRows[T any](body []byte, what string) ([]T, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var rows []T
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return rows, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
