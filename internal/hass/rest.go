package hass

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// RESTClient talks to the Home Assistant REST API
type RESTClient struct {
	client *resty.Client
}

type apiMessage struct {
	Message string `json:"message"`
}

// NewRESTClient creates a client for the instance at baseURL
func NewRESTClient(baseURL, token string) *RESTClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)

	return &RESTClient{client: client}
}

// Ping checks that the API is reachable and the token is accepted
func (c *RESTClient) Ping(ctx context.Context) error {
	var msg apiMessage
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&msg).
		Get("/api/")
	if err != nil {
		return fmt.Errorf("failed to reach Home Assistant: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthInvalid
	default:
		return fmt.Errorf("unexpected status from Home Assistant: %s", resp.Status())
	}
}

// State fetches the current state of one entity
func (c *RESTClient) State(ctx context.Context, entityID string) (*State, error) {
	var state State
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&state).
		SetPathParam("entity_id", entityID).
		Get("/api/states/{entity_id}")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", entityID, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return &state, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrAuthInvalid
	default:
		return nil, fmt.Errorf("unexpected status fetching %s: %s", entityID, resp.Status())
	}
}

// Resolver looks entities up in a StateSource cache and falls back to REST
type Resolver struct {
	source StateSource
	rest   *RESTClient
}

// NewResolver creates a resolver. rest may be nil.
func NewResolver(source StateSource, rest *RESTClient) *Resolver {
	return &Resolver{source: source, rest: rest}
}

// Resolve returns the state of entityID or ErrEntityNotFound
func (r *Resolver) Resolve(ctx context.Context, entityID string) (*State, error) {
	if r.source != nil {
		if s, ok := r.source.State(entityID); ok {
			return s, nil
		}
	}
	if r.rest == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return r.rest.State(ctx, entityID)
}
