// Package booklore adapts a Booklore-like (or Calibre-Web-like) ebook server
// to the C3 Client contract. Its REST dialect is opaque to the sync engine:
// the adapter alone knows how progress is shaped on the wire.
package booklore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/briarwood/readbridge/internal/apperrors"
	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/logger"
	"github.com/briarwood/readbridge/internal/store"
)

// progressPayload is Booklore's read-position shape: a percentage plus
// whichever locator fields the reading app recorded. Percentage is a
// fraction of total progress in [0,1], matching store's locator convention.
type progressPayload struct {
	Percentage float64 `json:"percentage"`
	XPath      string  `json:"xpath,omitempty"`
	CSSSelector string `json:"cssSelector,omitempty"`
	Fragment   string  `json:"fragment,omitempty"`
	CFI        string  `json:"cfi,omitempty"`
	UpdatedAt  int64   `json:"updatedAt"`
}

// Client talks to a Booklore-dialect REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *client.RateLimiter
	logger  *logger.Logger
}

// New constructs a Booklore adapter.
func New(baseURL, token string, log *logger.Logger) *Client {
	if log != nil {
		log = log.WithClient(string(client.NameBooklore))
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 20 * time.Second},
		limiter: client.NewRateLimiter(client.DefaultRate, client.DefaultBurst, log),
		logger:  log,
	}
}

var _ client.Client = (*Client)(nil)

func (c *Client) Name() client.Name { return client.NameBooklore }

func (c *Client) IsConfigured() bool { return c.baseURL != "" && c.token != "" }

func (c *Client) FetchBulk(ctx context.Context) (client.BulkContext, error) {
	return nil, nil
}

func (c *Client) FetchState(ctx context.Context, book store.Book, prev store.ClientState, bulk client.BulkContext) (store.ClientState, bool, error) {
	if !c.IsConfigured() {
		return store.ClientState{}, false, nil
	}
	itemID, ok := book.ExternalIDs["booklore"]
	if !ok || itemID == "" {
		return store.ClientState{}, false, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return store.ClientState{}, false, apperrors.New(apperrors.Transient, err)
	}

	var payload progressPayload
	found, err := c.getJSON(ctx, fmt.Sprintf("/api/v1/books/%s/progress", itemID), &payload)
	if err != nil || !found {
		return store.ClientState{}, false, err
	}

	state := store.ClientState{
		BookID:      book.ID,
		Client:      string(client.NameBooklore),
		LastUpdated: time.UnixMilli(payload.UpdatedAt),
		Locator: store.TextLocator{
			Percentage:  payload.Percentage,
			XPath:       payload.XPath,
			CSSSelector: payload.CSSSelector,
			Fragment:    payload.Fragment,
			CFI:         payload.CFI,
		},
	}
	return state, true, nil
}

func (c *Client) Update(ctx context.Context, req client.UpdateRequest) client.UpdateResult {
	if !c.IsConfigured() {
		return client.UpdateResult{Err: apperrors.New(apperrors.NotConfigured, fmt.Errorf("booklore client not configured"))}
	}
	text, ok := req.Locator.(store.TextLocator)
	if !ok {
		return client.UpdateResult{Err: apperrors.New(apperrors.InvalidData, fmt.Errorf("booklore update requires a text locator"))}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return client.UpdateResult{Err: apperrors.New(apperrors.Transient, err)}
	}

	body, err := json.Marshal(progressPayload{
		Percentage:  text.Percentage,
		XPath:       text.XPath,
		CSSSelector: text.CSSSelector,
		Fragment:    text.Fragment,
		CFI:         text.CFI,
	})
	if err != nil {
		return client.UpdateResult{Err: apperrors.New(apperrors.InvalidData, err)}
	}

	endpoint := fmt.Sprintf("/api/v1/books/%s/progress", req.BookID)
	if err := c.putJSON(ctx, endpoint, body); err != nil {
		return client.UpdateResult{Err: err}
	}
	return client.UpdateResult{OK: true}
}

func (c *Client) TextAt(ctx context.Context, book store.Book, state store.ClientState) (string, error) {
	itemID, ok := book.ExternalIDs["booklore"]
	if !ok || itemID == "" {
		return "", apperrors.New(apperrors.NotFound, fmt.Errorf("booklore external id missing for book %s", book.ID))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", apperrors.New(apperrors.Transient, err)
	}

	text, ok := state.Locator.(store.TextLocator)
	if !ok {
		return "", apperrors.New(apperrors.InvalidData, fmt.Errorf("booklore TextAt requires a text locator"))
	}

	var resp struct {
		Text string `json:"text"`
	}
	endpoint := fmt.Sprintf("/api/v1/books/%s/text-at?xpath=%s&fragment=%s", itemID, text.XPath, text.Fragment)
	found, err := c.getJSON(ctx, endpoint, &resp)
	if err != nil {
		return "", err
	}
	if !found {
		return "", apperrors.New(apperrors.NotFound, fmt.Errorf("booklore has no text at this locator"))
	}
	return resp.Text, nil
}

// FetchFullText returns the entire rendered document body for book, used by
// the transcription job manager (C9) as the text side of an alignment
// build. Booklore is the only adapter wired as a document source here since
// it is the ebook server of record; Hardcover and KoSync never expose
// rendered text.
func (c *Client) FetchFullText(ctx context.Context, book store.Book) (string, bool, error) {
	itemID, ok := book.ExternalIDs["booklore"]
	if !ok || itemID == "" {
		return "", false, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", false, apperrors.New(apperrors.Transient, err)
	}

	var resp struct {
		Text string `json:"text"`
	}
	endpoint := fmt.Sprintf("/api/v1/books/%s/text", itemID)
	found, err := c.getJSON(ctx, endpoint, &resp)
	if err != nil || !found {
		return "", found, err
	}
	return resp.Text, true, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return false, apperrors.New(apperrors.Fatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
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

func (c *Client) putJSON(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.New(apperrors.Fatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
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

func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.New(apperrors.Unauthorized, fmt.Errorf("booklore auth rejected: %s", body))
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.NotFound, fmt.Errorf("booklore resource not found"))
	case status >= 500:
		return apperrors.New(apperrors.Transient, fmt.Errorf("booklore server error %d: %s", status, body))
	default:
		return apperrors.New(apperrors.InvalidData, fmt.Errorf("booklore unexpected status %d: %s", status, body))
	}
}
