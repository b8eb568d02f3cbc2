// Package storyteller adapts Storyteller's REST API to the C3 Client
// contract: an ebook-position client authenticated via a bearer token minted
// from a username/password pair.
package storyteller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/briarwood/readbridge/internal/apperrors"
	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/logger"
	"github.com/briarwood/readbridge/internal/store"
)

// position is the PUT body for /api/v2/books/{uuid}/positions.
type position struct {
	Fragments   []string `json:"fragments"`
	Progression float64  `json:"progression"`
	UUID        string   `json:"uuid"`
}

// positionResponse is the relevant slice of Storyteller's position GET
// response, when available.
type positionResponse struct {
	Fragments   []string `json:"fragments"`
	Progression float64  `json:"progression"`
	UpdatedAt   int64    `json:"updated_at"`
}

// Client talks to a Storyteller server.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	limiter  *client.RateLimiter
	logger   *logger.Logger

	mu    sync.Mutex
	token string
}

// New constructs a Storyteller adapter. Credentials are exchanged for a
// bearer token lazily, on first use.
func New(baseURL, username, password string, log *logger.Logger) *Client {
	if log != nil {
		log = log.WithClient(string(client.NameStoryteller))
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 20 * time.Second},
		limiter:  client.NewRateLimiter(client.DefaultRate, client.DefaultBurst, log),
		logger:   log,
	}
}

var _ client.Client = (*Client)(nil)

func (c *Client) Name() client.Name { return client.NameStoryteller }

func (c *Client) IsConfigured() bool {
	return c.baseURL != "" && c.username != "" && c.password != ""
}

func (c *Client) FetchBulk(ctx context.Context) (client.BulkContext, error) {
	return nil, nil
}

func (c *Client) FetchState(ctx context.Context, book store.Book, prev store.ClientState, bulk client.BulkContext) (store.ClientState, bool, error) {
	if !c.IsConfigured() {
		return store.ClientState{}, false, nil
	}
	uuid, ok := book.ExternalIDs["storyteller"]
	if !ok || uuid == "" {
		return store.ClientState{}, false, nil
	}

	token, err := c.authToken(ctx)
	if err != nil {
		return store.ClientState{}, false, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return store.ClientState{}, false, apperrors.New(apperrors.Transient, err)
	}

	var resp positionResponse
	found, err := c.getJSON(ctx, token, fmt.Sprintf("/api/v2/books/%s/positions", uuid), &resp)
	if err != nil || !found {
		return store.ClientState{}, false, err
	}

	fragment := ""
	if len(resp.Fragments) > 0 {
		fragment = resp.Fragments[0]
	}
	state := store.ClientState{
		BookID:      book.ID,
		Client:      string(client.NameStoryteller),
		LastUpdated: time.Unix(resp.UpdatedAt, 0),
		Locator: store.TextLocator{
			Percentage: resp.Progression,
			CFI:        fragment,
		},
	}
	return state, true, nil
}

func (c *Client) Update(ctx context.Context, req client.UpdateRequest) client.UpdateResult {
	if !c.IsConfigured() {
		return client.UpdateResult{Err: apperrors.New(apperrors.NotConfigured, fmt.Errorf("storyteller client not configured"))}
	}
	text, ok := req.Locator.(store.TextLocator)
	if !ok {
		return client.UpdateResult{Err: apperrors.New(apperrors.InvalidData, fmt.Errorf("storyteller update requires a text locator"))}
	}

	token, err := c.authToken(ctx)
	if err != nil {
		return client.UpdateResult{Err: err}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return client.UpdateResult{Err: apperrors.New(apperrors.Transient, err)}
	}

	fragments := []string{}
	if text.CFI != "" {
		fragments = append(fragments, text.CFI)
	}
	body, err := json.Marshal(position{
		Fragments:   fragments,
		Progression: text.Percentage,
		UUID:        req.BookID,
	})
	if err != nil {
		return client.UpdateResult{Err: apperrors.New(apperrors.InvalidData, err)}
	}

	endpoint := fmt.Sprintf("/api/v2/books/%s/positions", req.BookID)
	if err := c.putJSON(ctx, token, endpoint, body); err != nil {
		return client.UpdateResult{Err: err}
	}
	return client.UpdateResult{OK: true}
}

func (c *Client) TextAt(ctx context.Context, book store.Book, state store.ClientState) (string, error) {
	// Storyteller's own forced-alignment data is used directly by the
	// translator's native fast path; this adapter exposes no separate
	// text-extraction surface.
	return "", apperrors.New(apperrors.NotFound, fmt.Errorf("storyteller client has no text representation"))
}

func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", apperrors.New(apperrors.Transient, err)
	}

	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return "", apperrors.New(apperrors.InvalidData, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/token", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.New(apperrors.Fatal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.limiter.OnTransientFailure()
		return "", apperrors.New(apperrors.Transient, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return "", err
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.Token == "" {
		return "", apperrors.New(apperrors.InvalidData, fmt.Errorf("storyteller token response malformed"))
	}

	c.mu.Lock()
	c.token = parsed.Token
	c.mu.Unlock()
	return parsed.Token, nil
}

func (c *Client) getJSON(ctx context.Context, token, endpoint string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return false, apperrors.New(apperrors.Fatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.limiter.OnTransientFailure()
		return false, apperrors.New(apperrors.Transient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, apperrors.New(apperrors.Transient, err)
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return false, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, apperrors.New(apperrors.InvalidData, err)
	}
	return true, nil
}

func (c *Client) putJSON(ctx context.Context, token, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.New(apperrors.Fatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.limiter.OnTransientFailure()
		return apperrors.New(apperrors.Transient, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return classifyStatus(resp.StatusCode, respBody)
}

// classifyStatus treats 2xx, 204, and 409 as success per Storyteller's
// idempotent write semantics.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.New(apperrors.Unauthorized, fmt.Errorf("storyteller auth rejected: %s", body))
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.NotFound, fmt.Errorf("storyteller resource not found"))
	case status >= 500:
		return apperrors.New(apperrors.Transient, fmt.Errorf("storyteller server error %d: %s", status, body))
	default:
		return apperrors.New(apperrors.InvalidData, fmt.Errorf("storyteller unexpected status %d: %s", status, body))
	}
}
