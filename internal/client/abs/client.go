// Package abs adapts an Audiobookshelf-like server to the C3 Client
// contract: an audiobook source whose state carries a playback timestamp.
package abs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/briarwood/readbridge/internal/apperrors"
	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/logger"
	"github.com/briarwood/readbridge/internal/store"
)

const apiPath = "/api"

// MediaProgress is one item's playback state as ABS reports it from
// /api/me.
type MediaProgress struct {
	ItemID      string  `json:"libraryItemId"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	IsFinished  bool    `json:"isFinished"`
	LastUpdate  int64   `json:"lastUpdate"` // epoch millis
}

// userProgress is the relevant slice of the /api/me response.
type userProgress struct {
	MediaProgress []MediaProgress `json:"mediaProgress"`
}

// bulkState is what FetchBulk returns: every item's progress keyed by the
// book's external ABS item ID, fetched once per cycle to amortize N lookups.
type bulkState map[string]MediaProgress

// Client talks to the ABS REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *client.RateLimiter
	logger  *logger.Logger
}

// New constructs an ABS adapter. An empty token means IsConfigured reports
// false and every other method becomes a no-op.
func New(baseURL, token string, log *logger.Logger) *Client {
	if log != nil {
		log = log.WithClient(string(client.NameABS))
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

func (c *Client) Name() client.Name { return client.NameABS }

func (c *Client) IsConfigured() bool { return c.baseURL != "" && c.token != "" }

func (c *Client) FetchBulk(ctx context.Context) (client.BulkContext, error) {
	if !c.IsConfigured() {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.New(apperrors.Transient, err)
	}

	var progress userProgress
	if err := c.getJSON(ctx, "/me", &progress); err != nil {
		return nil, err
	}

	bulk := make(bulkState, len(progress.MediaProgress))
	for _, mp := range progress.MediaProgress {
		bulk[mp.ItemID] = mp
	}
	return bulk, nil
}

func (c *Client) FetchState(ctx context.Context, book store.Book, prev store.ClientState, bulk client.BulkContext) (store.ClientState, bool, error) {
	if !c.IsConfigured() {
		return store.ClientState{}, false, nil
	}

	itemID, ok := book.ExternalIDs["abs"]
	if !ok || itemID == "" {
		return store.ClientState{}, false, nil
	}

	var mp MediaProgress
	if typed, ok := bulk.(bulkState); ok {
		found, present := typed[itemID]
		if !present {
			return store.ClientState{}, false, nil
		}
		mp = found
	} else {
		if err := c.limiter.Wait(ctx); err != nil {
			return store.ClientState{}, false, apperrors.New(apperrors.Transient, err)
		}
		var single userProgress
		if err := c.getJSON(ctx, "/me", &single); err != nil {
			return store.ClientState{}, false, err
		}
		present := false
		for _, candidate := range single.MediaProgress {
			if candidate.ItemID == itemID {
				mp = candidate
				present = true
				break
			}
		}
		if !present {
			return store.ClientState{}, false, nil
		}
	}

	duration := mp.Duration
	state := store.ClientState{
		BookID:      book.ID,
		Client:      string(client.NameABS),
		LastUpdated: time.UnixMilli(mp.LastUpdate),
		Locator: store.AudioLocator{
			TimestampSeconds: mp.CurrentTime,
			DurationSeconds:  &duration,
		},
	}
	return state, true, nil
}

func (c *Client) Update(ctx context.Context, req client.UpdateRequest) client.UpdateResult {
	if !c.IsConfigured() {
		return client.UpdateResult{Err: apperrors.New(apperrors.NotConfigured, fmt.Errorf("abs client not configured"))}
	}
	audio, ok := req.Locator.(store.AudioLocator)
	if !ok {
		return client.UpdateResult{Err: apperrors.New(apperrors.InvalidData, fmt.Errorf("abs update requires an audio locator"))}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return client.UpdateResult{Err: apperrors.New(apperrors.Transient, err)}
	}

	body, err := json.Marshal(map[string]interface{}{
		"currentTime": audio.TimestampSeconds,
	})
	if err != nil {
		return client.UpdateResult{Err: apperrors.New(apperrors.InvalidData, err)}
	}

	itemID := req.BookID
	endpoint := fmt.Sprintf("/me/progress/%s", itemID)
	if err := c.postJSON(ctx, endpoint, body); err != nil {
		return client.UpdateResult{Err: err}
	}

	return client.UpdateResult{OK: true}
}

func (c *Client) TextAt(ctx context.Context, book store.Book, state store.ClientState) (string, error) {
	// ABS has no text representation of its own; transcript text for a
	// timestamp is served by the transcription job manager's stored
	// chunks, not by this adapter.
	return "", apperrors.New(apperrors.NotFound, fmt.Errorf("abs client has no text representation"))
}

// DownloadAudio streams the book's audio file to destPath, for the
// transcription job manager (C9) to split into chunks. ABS is the only
// adapter with audio to offer; Storyteller's audiobooks are accessed through
// its own positions API and never need local transcription.
func (c *Client) DownloadAudio(ctx context.Context, book store.Book, destPath string) error {
	if !c.IsConfigured() {
		return apperrors.New(apperrors.NotConfigured, fmt.Errorf("abs client not configured"))
	}
	itemID, ok := book.ExternalIDs["abs"]
	if !ok || itemID == "" {
		return apperrors.New(apperrors.NotFound, fmt.Errorf("book has no abs item id"))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return apperrors.New(apperrors.Transient, err)
	}

	endpoint := fmt.Sprintf("%s%s/items/%s/download", c.baseURL, apiPath, itemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apperrors.New(apperrors.Fatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.limiter.OnTransientFailure()
		return apperrors.New(apperrors.Transient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return classifyStatus(resp.StatusCode, body)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return apperrors.New(apperrors.Fatal, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return apperrors.New(apperrors.Transient, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPath+endpoint, nil)
	if err != nil {
		return apperrors.New(apperrors.Fatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.limiter.OnTransientFailure()
		return apperrors.New(apperrors.Transient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.New(apperrors.Transient, err)
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.New(apperrors.InvalidData, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPath+endpoint, bytes.NewReader(body))
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
		return nil // idempotent, treated as success
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.New(apperrors.Unauthorized, fmt.Errorf("abs auth rejected: %s", body))
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.NotFound, fmt.Errorf("abs resource not found"))
	case status >= 500:
		return apperrors.New(apperrors.Transient, fmt.Errorf("abs server error %d: %s", status, body))
	default:
		return apperrors.New(apperrors.InvalidData, fmt.Errorf("abs unexpected status %d: %s", status, body))
	}
}
