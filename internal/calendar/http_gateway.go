package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPGateway talks to the calendar provider's REST API. Access tokens are
// obtained by exchanging the expert's refresh token and cached until shortly
// before expiry; the refresh exchange itself is serialized per expert so
// concurrent requests cannot race the token endpoint.
type HTTPGateway struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client
	tokens       TokenCache
	logger       *slog.Logger

	mu           sync.Mutex
	refreshLocks map[string]*sync.Mutex
}

type HTTPConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	Tokens       TokenCache
}

func NewHTTPGateway(cfg HTTPConfig, logger *slog.Logger) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = NewMemoryTokenCache()
	}
	return &HTTPGateway{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tokens:       tokens,
		logger:       logger,
		refreshLocks: map[string]*sync.Mutex{},
	}
}

type busyResponse struct {
	Busy []struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"busy"`
}

func (g *HTTPGateway) BusyWindows(ctx context.Context, cred Credential, from, to time.Time) ([]Interval, error) {
	token, err := g.accessToken(ctx, cred)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	endpoint := g.baseURL + "/v1/calendars/primary/freebusy?" + q.Encode()

	var out busyResponse
	if err := g.doJSON(ctx, cred, http.MethodGet, endpoint, token, nil, "", &out); err != nil {
		return nil, err
	}

	windows := make([]Interval, 0, len(out.Busy))
	for _, b := range out.Busy {
		if b.End.After(b.Start) {
			windows = append(windows, Interval{Start: b.Start.UTC(), End: b.End.UTC()})
		}
	}
	return windows, nil
}

type createEventRequest struct {
	ExternalRef string   `json:"external_ref"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Timezone    string   `json:"timezone,omitempty"`
	Attendees   []string `json:"attendees,omitempty"`
}

type createEventResponse struct {
	ID string `json:"id"`
}

func (g *HTTPGateway) CreateEvent(ctx context.Context, cred Credential, ev EventRequest) (string, error) {
	token, err := g.accessToken(ctx, cred)
	if err != nil {
		return "", err
	}

	body := createEventRequest{
		ExternalRef: ev.ExternalRef,
		Title:       ev.Title,
		Description: ev.Description,
		Start:       ev.Start.UTC().Format(time.RFC3339),
		End:         ev.End.UTC().Format(time.RFC3339),
		Timezone:    ev.Timezone,
		Attendees:   ev.Attendees,
	}

	var out createEventResponse
	endpoint := g.baseURL + "/v1/calendars/primary/events"
	if err := g.doJSON(ctx, cred, http.MethodPost, endpoint, token, body, ev.ExternalRef, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: event created without id", ErrProviderUnavailable)
	}
	return out.ID, nil
}

func (g *HTTPGateway) DeleteEvent(ctx context.Context, cred Credential, eventID string) error {
	token, err := g.accessToken(ctx, cred)
	if err != nil {
		return err
	}
	endpoint := g.baseURL + "/v1/calendars/primary/events/" + url.PathEscape(eventID)
	err = g.doJSON(ctx, cred, http.MethodDelete, endpoint, token, nil, "", nil)
	if err != nil && isNotFound(err) {
		// Already gone remotely; deletion is best-effort anyway.
		return nil
	}
	return err
}

type calendarInfoResponse struct {
	Timezone string `json:"timezone"`
}

func (g *HTTPGateway) DefaultTimezone(ctx context.Context, cred Credential) (string, error) {
	token, err := g.accessToken(ctx, cred)
	if err != nil {
		return "", err
	}
	var out calendarInfoResponse
	if err := g.doJSON(ctx, cred, http.MethodGet, g.baseURL+"/v1/calendars/primary", token, nil, "", &out); err != nil {
		return "", err
	}
	if out.Timezone == "" {
		return "UTC", nil
	}
	return out.Timezone, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (g *HTTPGateway) accessToken(ctx context.Context, cred Credential) (string, error) {
	if tok, ok := g.tokens.Get(ctx, cred.ExpertID); ok {
		return tok, nil
	}

	lock := g.refreshLock(cred.ExpertID)
	lock.Lock()
	defer lock.Unlock()

	// Another request may have refreshed while we waited on the lock.
	if tok, ok := g.tokens.Get(ctx, cred.ExpertID); ok {
		return tok, nil
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", g.clientID)
	form.Set("client_secret", g.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrCredentialInvalid, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", ErrProviderUnavailable, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrCredentialInvalid)
	}

	ttl := time.Duration(tok.ExpiresIn)*time.Second - time.Minute
	g.tokens.Set(ctx, cred.ExpertID, tok.AccessToken, ttl)
	return tok.AccessToken, nil
}

func (g *HTTPGateway) refreshLock(expertID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.refreshLocks[expertID]
	if !ok {
		lock = &sync.Mutex{}
		g.refreshLocks[expertID] = lock
	}
	return lock
}

// doJSON issues one authorized request and maps provider failures onto the
// gateway error taxonomy. A 401 also drops the cached token so the next call
// re-exchanges the refresh token.
func (g *HTTPGateway) doJSON(ctx context.Context, cred Credential, method, endpoint, token string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized:
		g.tokens.Delete(ctx, cred.ExpertID)
		return fmt.Errorf("%w: provider returned 401", ErrCredentialInvalid)
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: provider returned %d", ErrProviderUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: provider returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProviderUnavailable, err)
	}
	return nil
}
