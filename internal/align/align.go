// Package align builds and queries the alignment map (C4): a monotonic
// piecewise-linear mapping between audio timestamps and ebook character
// offsets, derived from n-gram anchoring of a transcript against ebook text.
//
// The two-pass anchoring and monotonicity enforcement follow the same shape
// as the teacher pack's chapter aligner (ListenUpApp-server's
// internal/chapters.Align): match a local sequence against a remote one,
// keep only the matches that preserve ordering, and interpolate between
// survivors.
package align

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MinAnchors is the minimum number of surviving anchors an alignment needs;
// below this the book is marked failed_retry_later.
const MinAnchors = 3

// StartBackfillWindow is how far into the audio the first anchor must land
// before pass 2's denser backfill runs.
const StartBackfillWindow = 30.0

const (
	globalNgram   = 12
	backfillNgram = 6
)

// Token is one transcript word with its time span.
type Token struct {
	Start float64
	End   float64
	Text  string
}

// Anchor ties an ebook character offset to the audio timestamp the
// transcript token ending there was spoken at.
type Anchor struct {
	CharOffset int
	AudioTS    float64
}

// Map is the built alignment: a monotonic list of anchors supporting
// lookups in both directions.
type Map struct {
	anchors []Anchor
}

var normalizeRE = regexp.MustCompile(`[^a-z0-9]+`)

func normalize(s string) string {
	return strings.TrimSpace(normalizeRE.ReplaceAllString(strings.ToLower(s), " "))
}

// Build runs the two-pass n-gram anchoring of tokens (transcript) against
// ebookText (normalized full text) and returns the resulting Map, or an
// error if fewer than MinAnchors anchors survive.
func Build(tokens []Token, ebookText string) (*Map, error) {
	normalizedEbook := normalize(ebookText)

	anchors := anchorPass(tokens, normalizedEbook, globalNgram, 0, len(tokens))

	if len(anchors) == 0 || anchors[0].AudioTS > StartBackfillWindow {
		cutoff := len(tokens)
		for i, tok := range tokens {
			if tok.Start > StartBackfillWindow {
				cutoff = i
				break
			}
		}
		backfill := anchorPass(tokens, normalizedEbook, backfillNgram, 0, cutoff)
		anchors = append(anchors, backfill...)
	}

	anchors = dedupeAndSort(anchors)
	anchors = enforceMonotonic(anchors)

	if len(anchors) < MinAnchors {
		return nil, fmt.Errorf("alignment: only %d anchors survived, need at least %d", len(anchors), MinAnchors)
	}

	return &Map{anchors: anchors}, nil
}

// anchorPass slides a window of size n across tokens[start:end] (step = n)
// and, for each window whose normalized text occurs exactly once in
// ebookText, emits an anchor at that occurrence's offset.
func anchorPass(tokens []Token, ebookText string, n, start, end int) []Anchor {
	var anchors []Anchor
	for i := start; i+n <= end; i += n {
		window := tokens[i : i+n]
		words := make([]string, len(window))
		for j, tok := range window {
			words[j] = normalize(tok.Text)
		}
		query := strings.Join(words, " ")
		if query == "" {
			continue
		}

		first := strings.Index(ebookText, query)
		if first < 0 {
			continue
		}
		if strings.Index(ebookText[first+1:], query) >= 0 {
			// Not unique; ambiguous anchors are worse than missing ones.
			continue
		}

		anchors = append(anchors, Anchor{
			CharOffset: first,
			AudioTS:    window[len(window)-1].End,
		})
	}
	return anchors
}

func dedupeAndSort(anchors []Anchor) []Anchor {
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].CharOffset < anchors[j].CharOffset })
	deduped := anchors[:0]
	var lastOffset int
	first := true
	for _, a := range anchors {
		if !first && a.CharOffset == lastOffset {
			continue
		}
		deduped = append(deduped, a)
		lastOffset = a.CharOffset
		first = false
	}
	return deduped
}

// enforceMonotonic keeps only anchors whose audio_ts strictly increases with
// char_offset, dropping any anchor that doesn't.
func enforceMonotonic(anchors []Anchor) []Anchor {
	if len(anchors) == 0 {
		return anchors
	}
	kept := []Anchor{anchors[0]}
	for _, a := range anchors[1:] {
		if a.AudioTS > kept[len(kept)-1].AudioTS {
			kept = append(kept, a)
		}
	}
	return kept
}

// TimeToChar returns the char offset hint for an audio timestamp, clamping
// to the map's bounds and linearly interpolating between the bracketing
// anchors otherwise.
func (m *Map) TimeToChar(ts float64) int {
	if len(m.anchors) == 0 {
		return 0
	}
	if ts <= m.anchors[0].AudioTS {
		return m.anchors[0].CharOffset
	}
	last := m.anchors[len(m.anchors)-1]
	if ts >= last.AudioTS {
		return last.CharOffset
	}

	i := sort.Search(len(m.anchors), func(i int) bool { return m.anchors[i].AudioTS >= ts })
	lo, hi := m.anchors[i-1], m.anchors[i]
	frac := (ts - lo.AudioTS) / (hi.AudioTS - lo.AudioTS)
	return lo.CharOffset + int(frac*float64(hi.CharOffset-lo.CharOffset))
}

// CharToTime is TimeToChar's symmetric inverse.
func (m *Map) CharToTime(ch int) float64 {
	if len(m.anchors) == 0 {
		return 0
	}
	if ch <= m.anchors[0].CharOffset {
		return m.anchors[0].AudioTS
	}
	last := m.anchors[len(m.anchors)-1]
	if ch >= last.CharOffset {
		return last.AudioTS
	}

	i := sort.Search(len(m.anchors), func(i int) bool { return m.anchors[i].CharOffset >= ch })
	lo, hi := m.anchors[i-1], m.anchors[i]
	frac := float64(ch-lo.CharOffset) / float64(hi.CharOffset-lo.CharOffset)
	return lo.AudioTS + frac*(hi.AudioTS-lo.AudioTS)
}

// Anchors exposes the surviving anchors for persistence.
func (m *Map) Anchors() []Anchor {
	return append([]Anchor(nil), m.anchors...)
}

// FromAnchors reconstructs a Map from previously persisted anchors, skipping
// the anchoring pass entirely.
func FromAnchors(anchors []Anchor) *Map {
	return &Map{anchors: append([]Anchor(nil), anchors...)}
}
