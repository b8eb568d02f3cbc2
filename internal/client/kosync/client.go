// Package kosync implements the Client contract (C3) for KoReader's KoSync
// protocol by reading and writing directly against the progress store: the
// core itself is the KoSync server's backing state for a mapping. An
// external HTTP layer, outside this module, is responsible for translating
// KoSync's wire routes (GET/PUT /syncs/progress/<doc_hash>) into calls
// against this client and the DocPayload shape below.
package kosync

import (
	"context"
	"fmt"
	"time"

	"github.com/briarwood/readbridge/internal/apperrors"
	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/store"
)

// DocPayload is KoSync's wire shape for a progress record, exported so an
// external HTTP layer has something concrete to marshal/unmarshal into.
type DocPayload struct {
	Document   string  `json:"document"`
	Progress   string  `json:"progress"`
	Percentage float64 `json:"percentage"`
	Device     string  `json:"device"`
	DeviceID   string  `json:"device_id"`
	Timestamp  int64   `json:"timestamp"`
}

// Client is the ebook-position adapter for KoReader devices: its state
// carries a percentage plus an XPointer-style progress string, which this
// module treats as an opaque fragment within a TextLocator.
type Client struct {
	store   *store.Store
	enabled bool
}

// New constructs a KoSync adapter backed by st. enabled mirrors whether the
// KoSync surface is turned on in configuration.
func New(st *store.Store, enabled bool) *Client {
	return &Client{store: st, enabled: enabled}
}

var _ client.Client = (*Client)(nil)

func (c *Client) Name() client.Name { return client.NameKoReaderSync }

func (c *Client) IsConfigured() bool { return c.enabled && c.store != nil }

func (c *Client) FetchBulk(ctx context.Context) (client.BulkContext, error) {
	return nil, nil
}

func (c *Client) FetchState(ctx context.Context, book store.Book, prev store.ClientState, bulk client.BulkContext) (store.ClientState, bool, error) {
	if !c.IsConfigured() {
		return store.ClientState{}, false, nil
	}
	state, found, err := c.store.ReadState(book.ID, string(client.NameKoReaderSync))
	if err != nil {
		return store.ClientState{}, false, apperrors.New(apperrors.Transient, err)
	}
	return state, found, nil
}

func (c *Client) Update(ctx context.Context, req client.UpdateRequest) client.UpdateResult {
	if !c.IsConfigured() {
		return client.UpdateResult{Err: apperrors.New(apperrors.NotConfigured, fmt.Errorf("kosync client not configured"))}
	}
	if _, ok := req.Locator.(store.TextLocator); !ok {
		return client.UpdateResult{Err: apperrors.New(apperrors.InvalidData, fmt.Errorf("kosync update requires a text locator"))}
	}

	state := store.ClientState{
		BookID:      req.BookID,
		Client:      string(client.NameKoReaderSync),
		LastUpdated: time.Now(),
		Locator:     req.Locator,
	}
	if err := c.store.WriteState(state); err != nil {
		return client.UpdateResult{Err: apperrors.New(apperrors.Transient, err)}
	}
	return client.UpdateResult{OK: true}
}

func (c *Client) TextAt(ctx context.Context, book store.Book, state store.ClientState) (string, error) {
	// KoSync carries no book content of its own; text extraction for its
	// fragment belongs to whichever ebook client owns the document.
	return "", apperrors.New(apperrors.NotFound, fmt.Errorf("kosync client has no text representation"))
}

// FromDocPayload translates a KoSync wire payload into the store's
// TextLocator shape, using the progress string as an opaque fragment.
func FromDocPayload(p DocPayload) store.TextLocator {
	return store.TextLocator{
		Percentage: p.Percentage,
		Fragment:   p.Progress,
	}
}

// ToDocPayload translates a stored client state back into KoSync's wire
// shape for a given document hash and device.
func ToDocPayload(document string, state store.ClientState, device, deviceID string) (DocPayload, error) {
	text, ok := state.Locator.(store.TextLocator)
	if !ok {
		return DocPayload{}, apperrors.New(apperrors.InvalidData, fmt.Errorf("kosync state has no text locator"))
	}
	return DocPayload{
		Document:   document,
		Progress:   text.Fragment,
		Percentage: text.Percentage,
		Device:     device,
		DeviceID:   deviceID,
		Timestamp:  state.LastUpdated.Unix(),
	}, nil
}
