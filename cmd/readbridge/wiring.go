package main

import (
	"context"
	"time"

	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/client/abs"
	"github.com/briarwood/readbridge/internal/client/booklore"
	"github.com/briarwood/readbridge/internal/client/hardcover"
	"github.com/briarwood/readbridge/internal/client/kosync"
	"github.com/briarwood/readbridge/internal/client/storyteller"
	"github.com/briarwood/readbridge/internal/config"
	"github.com/briarwood/readbridge/internal/logger"
	"github.com/briarwood/readbridge/internal/store"
	"github.com/briarwood/readbridge/internal/transcribe"
	"github.com/briarwood/readbridge/internal/trigger"
)

// buildClients constructs every adapter regardless of whether it's actually
// configured; the engine and pollers skip unconfigured ones via
// IsConfigured() rather than this function deciding which to build.
func buildClients(cfg *config.Config, st *store.Store, log *logger.Logger) map[client.Name]client.Client {
	clients := map[client.Name]client.Client{
		client.NameABS:          abs.New(cfg.Clients.ABS.URL, cfg.Clients.ABS.Token, log),
		client.NameBooklore:     booklore.New(cfg.Clients.Booklore.URL, cfg.Clients.Booklore.Token, log),
		client.NameStoryteller:  storyteller.New(cfg.Clients.Storyteller.URL, cfg.Clients.Storyteller.Token, cfg.Clients.Storyteller.Password, log),
		client.NameKoReaderSync: kosync.New(st, cfg.Clients.KoReaderSync.Enabled),
		client.NameHardcover:    hardcover.New(cfg.Clients.Hardcover.Token, st, log),
	}
	return clients
}

// bookloreDocuments adapts booklore.Client.FetchFullText to
// transcribe.DocumentSource, refusing any follower other than the one
// actually able to serve ebook text.
type bookloreDocuments struct {
	client *booklore.Client
}

func (d *bookloreDocuments) FetchText(ctx context.Context, book store.Book, follower client.Name) (string, bool, error) {
	if follower != client.NameBooklore {
		return "", false, nil
	}
	return d.client.FetchFullText(ctx, book)
}

// buildTranscribeManager wires C9 against the ABS adapter (the only audio
// source) and the Booklore adapter (the designated primary follower for
// alignment text), using the remote HTTP transcriber as the concrete
// pluggable Transcriber.
func buildTranscribeManager(cfg *config.Config, st *store.Store, clients map[client.Name]client.Client, log *logger.Logger) *transcribe.Manager {
	absClient := clients[client.NameABS].(*abs.Client)
	bookloreClient := clients[client.NameBooklore].(*booklore.Client)

	var transcriber transcribe.Transcriber
	if cfg.Transcription.TranscriberURL != "" {
		transcriber = transcribe.NewHTTPTranscriber(cfg.Transcription.TranscriberURL)
	}

	tcfg := transcribe.Config{
		ChunkDuration:   time.Duration(cfg.Transcription.ChunkMinutes) * time.Minute,
		MaxRetries:      cfg.Transcription.JobMaxRetries,
		RetryDelay:      time.Duration(cfg.Transcription.JobRetryDelayMinutes) * time.Minute,
		AudioCacheDir:   cfg.Paths.AudioCacheDir,
		TranscriptsDir:  cfg.Paths.TranscriptsDir,
		AlignmentsDir:   cfg.Paths.AlignmentsDir,
		PrimaryFollower: client.NameBooklore,
		ModelHint:       cfg.Transcription.ModelHint,
	}
	return transcribe.New(st, transcriber, absClient, &bookloreDocuments{client: bookloreClient}, tcfg, log)
}

// buildPollers returns one custom-mode poller per client configured for
// dedicated polling; clients in "global" mode rely on the GlobalTick source
// instead and get no poller of their own. Only ABS, Booklore, Storyteller
// and Hardcover are considered; KoReaderSync is never polled.
func buildPollers(cfg *config.Config, st *store.Store, clients map[client.Name]client.Client, queue *trigger.Queue, log *logger.Logger) []*trigger.Poller {
	listMapping := func(ctx context.Context) ([]store.Book, error) {
		return st.ListActiveMappings()
	}
	readState := func(bookID, clientName string) (store.ClientState, bool, error) {
		return st.ReadState(bookID, clientName)
	}

	entries := []struct {
		name client.Name
		cc   config.ClientConfig
	}{
		{client.NameABS, cfg.Clients.ABS},
		{client.NameBooklore, cfg.Clients.Booklore},
		{client.NameStoryteller, cfg.Clients.Storyteller},
		{client.NameHardcover, cfg.Clients.Hardcover},
	}

	var pollers []*trigger.Poller
	for _, entry := range entries {
		if trigger.PollMode(entry.cc.Mode) != trigger.PollCustom {
			continue
		}
		interval := entry.cc.PollSeconds
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		pollers = append(pollers, trigger.NewPoller(clients[entry.name], trigger.PollCustom, interval, listMapping, readState, queue, log))
	}
	return pollers
}
