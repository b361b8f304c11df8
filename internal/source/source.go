// Package source reads a target's proxy endpoints: the id listing and
// the per-item JSON documents. Everything goes through the fetch client
// so pacing, retries, and the circuit breaker apply uniformly.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shelfwatch/fetch-engine/internal/fetch"
	"github.com/shelfwatch/fetch-engine/internal/operation"
)

// Fetcher is the slice of fetch.Client the source needs.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetch.Response, error)
}

// DecodeError marks a response body that was not the JSON the proxy
// contract promises. Permanent for the item in question.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("source: decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ProxySource implements operation.Source over the JSON proxy contract.
type ProxySource struct {
	client Fetcher
	logger *zap.Logger
}

// New builds a ProxySource.
func New(client Fetcher, logger *zap.Logger) *ProxySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxySource{client: client, logger: logger}
}

type listPayload struct {
	IDs []string `json:"ids"`
}

type itemPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updated_at"`
	Content   string    `json:"content"`
}

// ListItemIDs fetches the target's full id listing.
func (s *ProxySource) ListItemIDs(ctx context.Context, target operation.Target) ([]string, error) {
	u, err := endpoint(target, "items.json")
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Fetch(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("list item ids: %w", err)
	}

	var payload listPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, &DecodeError{URL: u, Err: err}
	}
	s.logger.Debug("listed item ids",
		zap.String("target", target.ID),
		zap.Int("count", len(payload.IDs)),
	)
	return payload.IDs, nil
}

// FetchItem fetches one item document. The returned Item carries only
// what the proxy provided; the executor stamps hashes, blob URIs, and
// fetch times.
func (s *ProxySource) FetchItem(ctx context.Context, target operation.Target, id string) (operation.Item, error) {
	u, err := endpoint(target, "items/"+id+".json")
	if err != nil {
		return operation.Item{}, err
	}
	resp, err := s.client.Fetch(ctx, u)
	if err != nil {
		if denied(err) {
			return operation.Item{}, &operation.UnrecoverableError{
				Reason: "proxy denies access to target " + target.ID,
				Err:    err,
			}
		}
		return operation.Item{}, fmt.Errorf("fetch item %s: %w", id, err)
	}

	var payload itemPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return operation.Item{}, &DecodeError{URL: u, Err: err}
	}
	item := operation.Item{
		ID:        payload.ID,
		TargetID:  target.ID,
		Title:     payload.Title,
		URL:       payload.URL,
		UpdatedAt: payload.UpdatedAt,
		Content:   payload.Content,
	}
	if item.ID == "" {
		item.ID = id
	}
	if item.URL == "" {
		item.URL = u
	}
	return item, nil
}

// denied reports a 401 or 403 answer. The proxy rejects the target as
// a whole, not one item, so the error condemns the operation rather
// than the id.
func denied(err error) bool {
	var httpErr *fetch.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusUnauthorized ||
		httpErr.StatusCode == http.StatusForbidden
}

func endpoint(target operation.Target, path string) (string, error) {
	base := strings.TrimSuffix(strings.TrimSpace(target.URL), "/")
	if base == "" {
		return "", fmt.Errorf("target %s has no url", target.ID)
	}
	return base + "/" + path, nil
}
