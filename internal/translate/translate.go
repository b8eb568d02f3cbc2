// Package translate implements the translator (C6): converting a leader's
// position into the locator each follower understands, using the alignment
// map (C4) and text locator (C5) to bridge audio and text coordinate
// systems.
package translate

import (
	"context"
	"fmt"

	"github.com/briarwood/readbridge/internal/align"
	"github.com/briarwood/readbridge/internal/apperrors"
	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/locate"
	"github.com/briarwood/readbridge/internal/store"
)

// Leader carries the elected leader's client, its adapter, and its current
// position, plus whatever alignment/document context translation needs.
type Leader struct {
	Client client.Client
	State  store.ClientState
	Book   store.Book
}

// Follower is the client whose locator translate.To computes.
type Follower struct {
	Client client.Client
	Book   store.Book
}

// Context bundles the artifacts translate needs beyond the leader/follower
// clients themselves.
type Context struct {
	// Alignment maps audio timestamps to ebook char offsets for this
	// book. Nil if no transcription job has produced one yet.
	Alignment *align.Map
	// FollowerDoc is the follower's parsed ebook text plus parse tree,
	// used by C5 to locate a snippet. The zero Document when none is
	// available.
	FollowerDoc locate.Document
	// StorytellerNative, when true, signals the leader's alignment came
	// from Storyteller's own forced-alignment data: translate bypasses
	// C5 entirely and converts timestamp to locator directly.
StorytellerNative bool
}

// To converts the leader's current position into the locator follower
// expects, per spec's four translation cases.
func To(ctx context.Context, leader Leader, follower Follower, tctx Context) (store.Locator, error) {
	leaderAudio, leaderIsAudio := leader.State.Locator.(store.AudioLocator)
	_, leaderIsText := leader.State.Locator.(store.TextLocator)

	if tctx.StorytellerNative && leaderIsAudio {
		return storytellerNativeLocator(leaderAudio), nil
	}

	switch {
	case leaderIsAudio:
		return audioToFollower(ctx, leader, follower, tctx, leaderAudio)
	case leaderIsText:
		return textToFollower(ctx, leader, follower, tctx)
	default:
		return nil, apperrors.New(apperrors.InvalidData, fmt.Errorf("translate: leader locator has unknown kind"))
	}
}

// storytellerNativeLocator maps a timestamp straight to a percentage when
// the alignment itself is authoritative (no C5 search needed).
func storytellerNativeLocator(audio store.AudioLocator) store.Locator {
	pct := 0.0
	if audio.DurationSeconds != nil && *audio.DurationSeconds > 0 {
		pct = audio.TimestampSeconds / *audio.DurationSeconds
	}
	return store.TextLocator{Percentage: pct}
}

func audioToFollower(ctx context.Context, leader Leader, follower Follower, tctx Context, leaderLoc store.AudioLocator) (store.Locator, error) {
	if followerIsAudio(follower) {
		// Both audio: the leader's locator is passed through unchanged.
		return leaderLoc, nil
	}

	if tctx.Alignment == nil {
		return nil, apperrors.New(apperrors.Conflict, fmt.Errorf("translate: no alignment available for audio->text"))
	}

	hintChar := tctx.Alignment.TimeToChar(leaderLoc.TimestampSeconds)
	hintPct := 0.0
	if len(tctx.FollowerDoc.Text) > 0 {
		hintPct = float64(hintChar) / float64(len(tctx.FollowerDoc.Text))
	}

	snippet, err := leader.Client.TextAt(ctx, leader.Book, leader.State)
	if err != nil {
		return nil, err
	}

	loc, err := locate.Find(tctx.FollowerDoc, snippet, hintPct, true)
	if err != nil {
		return nil, apperrors.New(apperrors.Conflict, err)
	}

	return store.TextLocator{
		Percentage:  loc.Percentage,
		XPath:       loc.XPath,
		CSSSelector: loc.CSSSelector,
		Fragment:    loc.Fragment,
		CFI:         loc.CFI,
	}, nil
}

func textToFollower(ctx context.Context, leader Leader, follower Follower, tctx Context) (store.Locator, error) {
	if !followerIsAudio(follower) {
		// Both text: pass-through, percentage already normalized.
		return leader.State.Locator, nil
	}

	if tctx.Alignment == nil {
		return nil, apperrors.New(apperrors.Conflict, fmt.Errorf("translate: no alignment available for text->audio"))
	}

	snippet, err := leader.Client.TextAt(ctx, leader.Book, leader.State)
	if err != nil {
		return nil, err
	}

	loc, err := locate.Find(tctx.FollowerDoc, snippet, percentageOf(leader.State.Locator), true)
	if err != nil {
		return nil, apperrors.New(apperrors.Conflict, err)
	}

	ts := tctx.Alignment.CharToTime(loc.CharOffset)
	return store.AudioLocator{TimestampSeconds: ts}, nil
}

func percentageOf(loc store.Locator) float64 {
	if text, ok := loc.(store.TextLocator); ok {
		return text.Percentage
	}
	return 0
}

// followerIsAudio reports whether a follower's representation is audio.
// ABS is the only audio-representation client in the closed client set; the
// rest carry ebook-style locators.
func followerIsAudio(f Follower) bool {
	return f.Client.Name() == client.NameABS
}
