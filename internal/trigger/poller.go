package trigger

import (
	"context"
	"time"

	"github.com/briarwood/readbridge/internal/apperrors"
	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/logger"
	"github.com/briarwood/readbridge/internal/store"
)

// PollMode selects whether a client is checked on the shared global tick or
// on its own dedicated interval.
type PollMode string

const (
	PollGlobal PollMode = "global"
	PollCustom PollMode = "custom"
)

// Poller is the per-client polling trigger source (C7 source 2): in custom
// mode it wakes on its own interval, fetches every active book's state, and
// enqueues a targeted sync when it differs from C1's cached value.
type Poller struct {
	client      client.Client
	mode        PollMode
	interval    time.Duration
	listMapping func(ctx context.Context) ([]store.Book, error)
	readState   func(bookID, clientName string) (store.ClientState, bool, error)
	queue       *Queue
	logger      *logger.Logger
}

// NewPoller builds a poller for cl. listMapping must return every active
// mapping; readState must read C1's cached client state for a book/client
// pair.
func NewPoller(
	cl client.Client,
	mode PollMode,
	interval time.Duration,
	listMapping func(ctx context.Context) ([]store.Book, error),
	readState func(bookID, clientName string) (store.ClientState, bool, error),
	queue *Queue,
	log *logger.Logger,
) *Poller {
	return &Poller{
		client:      cl,
		mode:        mode,
		interval:    interval,
		listMapping: listMapping,
		readState:   readState,
		queue:       queue,
		logger:      log,
	}
}

// Run blocks, polling on its own interval, until ctx is cancelled. Global-
// mode pollers are driven by GlobalTick instead and Run returns immediately.
func (p *Poller) Run(ctx context.Context) {
	if p.mode != PollCustom || !p.client.IsConfigured() {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	books, err := p.listMapping(ctx)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("poller failed to list active mappings", map[string]interface{}{
				"client": string(p.client.Name()),
				"error":  err.Error(),
			})
		}
		return
	}

	bulk, err := p.client.FetchBulk(ctx)
	if err != nil && apperrors.KindOf(err) != apperrors.NotConfigured {
		if p.logger != nil {
			p.logger.Warn("poller bulk fetch failed", map[string]interface{}{
				"client": string(p.client.Name()),
				"error":  err.Error(),
			})
		}
	}

	for _, book := range books {
		cached, _, err := p.readState(book.ID, string(p.client.Name()))
		if err != nil {
			continue
		}

		current, found, err := p.client.FetchState(ctx, book, cached, bulk)
		if err != nil || !found {
			continue
		}

		if !current.LastUpdated.Equal(cached.LastUpdated) {
			p.queue.Enqueue(book.ID)
		}
	}
}
