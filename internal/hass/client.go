package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supervisor proxy defaults. Inside a Home Assistant add-on container the
// core API is reachable through the supervisor hostname with the token the
// supervisor injects into the environment.
const (
	defaultBaseURL = "http://supervisor/core/api"
	tokenEnv       = "SUPERVISOR_TOKEN"

	defaultRequestTimeout = 5 * time.Second
)

// Domain-specific errors for state queries.
var (
	// ErrNoToken means the supervisor token is absent, so the fallback
	// recovery layer is unavailable. Expected outside add-on deployments.
	ErrNoToken = errors.New("hass: no supervisor token in environment")

	// ErrNotFound means the entity does not exist or carries no usable state.
	ErrNotFound = errors.New("hass: entity state not found")

	// ErrRequest covers transport and decoding failures talking to the API.
	ErrRequest = errors.New("hass: state query failed")
)

// Client is a minimal Home Assistant REST client used only for the fallback
// recovery layer: reading the last known value of a sensor entity.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// stateResponse is the subset of the /states/<entity> payload we read.
type stateResponse struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

// NewClient builds a client against the supervisor proxy, reading the token
// from the environment. Use Available to check whether queries can work at
// all before issuing them.
func NewClient() *Client {
	return &Client{
		baseURL: defaultBaseURL,
		token:   os.Getenv(tokenEnv),
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
}

// NewClientWithBase builds a client against an explicit API base URL.
// Used by tests and non-supervisor deployments.
func NewClientWithBase(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
}

// Available reports whether the client has credentials to query at all.
func (c *Client) Available() bool {
	return c.token != ""
}

// State fetches the raw state string of an entity.
//
// Returns ErrNoToken without credentials, ErrNotFound for missing entities
// or placeholder states ("unknown", "unavailable"), and ErrRequest for
// transport failures.
func (c *Client) State(ctx context.Context, entityID string) (string, error) {
	if c.token == "" {
		return "", ErrNoToken
	}

	url := fmt.Sprintf("%s/states/%s", c.baseURL, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRequest, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRequest, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrNotFound, entityID)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: %s returned %s", ErrRequest, entityID, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRequest, err)
	}

	var state stateResponse
	if err := json.Unmarshal(body, &state); err != nil {
		return "", fmt.Errorf("%w: decoding %s: %w", ErrRequest, entityID, err)
	}

	switch strings.ToLower(state.State) {
	case "", "unknown", "unavailable", "none":
		return "", fmt.Errorf("%w: %s has no usable state", ErrNotFound, entityID)
	}
	return state.State, nil
}

// NumericState fetches an entity state and coerces it to an integer.
//
// Consumers sometimes template units into sensor states, so common unit
// suffixes are stripped and the remainder parsed as a decimal number.
func (c *Client) NumericState(ctx context.Context, entityID string) (int64, error) {
	raw, err := c.State(ctx, entityID)
	if err != nil {
		return 0, err
	}

	value, ok := parseNumeric(raw)
	if !ok {
		return 0, fmt.Errorf("%w: %s state %q is not numeric", ErrNotFound, entityID, raw)
	}
	return value, nil
}

// parseNumeric strips unit suffixes and decoration from a state string and
// parses what is left as a number, truncating any fraction.
func parseNumeric(raw string) (int64, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, unit := range []string{"m³", "m3", "kwh", "l/min", "l"} {
		s = strings.ReplaceAll(s, unit, "")
	}

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	s = b.String()

	if s == "" || strings.Count(s, ".") > 1 {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

// TotalEntityID derives the entity id expected to hold a meter's total
// sensor, from the base topic and the immutable numeric meter id.
func TotalEntityID(baseTopic string, meterID int) string {
	return fmt.Sprintf("sensor.%s_%d_total", strings.ToLower(baseTopic), meterID)
}
