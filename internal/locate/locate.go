// Package locate implements the text locator (C5): given a snippet of
// transcript or reader-position text and an optional hint percentage, find
// the best matching window inside an ebook's normalized text and express it
// as a locator (char offset, percentage, xpath, css selector, fragment,
// CFI).
//
// Candidate narrowing uses an ephemeral per-book bleve index (grounded on
// ListenUpApp-server's internal/search package), fine scoring uses
// xrash/smetrics' Jaro-Winkler similarity over a token-set representation
// (grounded on the same pack's title-similarity approach in
// internal/backup/abs/matcher.go, swapped from hand-rolled Levenshtein to a
// real string-metrics library), and coordinate derivation walks the ebook's
// parsed HTML tree with golang.org/x/net/html.
package locate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/xrash/smetrics"
)

// WindowFraction is the default search-window radius, expressed as a
// fraction of total text length, centered on a hint percentage.
const WindowFraction = 0.15

// FuzzyThreshold is the minimum token-set score (0-100) a window must reach
// to be accepted.
const FuzzyThreshold = 80.0

// windowChars is the size of the sliding window compared against the
// snippet, chosen to comfortably contain an ~800-character snippet.
const windowChars = 900

// Locator is C5's result: a single matched position expressed in every
// coordinate an ebook client might need.
type Locator struct {
	CharOffset int
	// Percentage is the match position as a fraction of text length, in [0,1].
	Percentage  float64
	XPath       string
	CSSSelector string
	Fragment    string
	CFI         string
}

// ErrNotFound is returned when no window scores above FuzzyThreshold.
var ErrNotFound = fmt.Errorf("locate: no window matched above fuzzy threshold")

// Document is an ebook's text plus the parse tree locate needs to translate
// a character offset into xpath/CFI/fragment coordinates.
type Document struct {
	Text string
	Tree *ParsedTree
}

// Find locates snippet inside doc, optionally narrowing the search around
// hintPct (a fraction in [0,1]); pass hintPresent=false to search the whole text.
func Find(doc Document, snippet string, hintPct float64, hintPresent bool) (Locator, error) {
	normalizedText := normalize(doc.Text)
	normalizedSnippet := normalize(snippet)
	if normalizedSnippet == "" {
		return Locator{}, ErrNotFound
	}

	lo, hi := searchBounds(len(normalizedText), hintPct, hintPresent)

	candidates := coarseCandidates(normalizedText, normalizedSnippet, lo, hi)
	if len(candidates) == 0 {
		candidates = []int{lo}
	}

	bestOffset, bestScore := -1, -1.0
	for _, start := range candidates {
		for _, offset := range refinementOffsets(start, lo, hi, len(normalizedText)) {
			end := offset + windowChars
			if end > len(normalizedText) {
				end = len(normalizedText)
			}
			if offset >= end {
				continue
			}
			window := normalizedText[offset:end]
			score := tokenSetScore(normalizedSnippet, window)
			if score > bestScore {
				bestScore = score
				bestOffset = offset
			}
		}
	}

	if bestOffset < 0 || bestScore < FuzzyThreshold {
		return Locator{}, ErrNotFound
	}

	pct := 0.0
	if len(normalizedText) > 0 {
		pct = float64(bestOffset) / float64(len(normalizedText))
	}

	loc := Locator{CharOffset: bestOffset, Percentage: pct}
	if doc.Tree != nil {
		coords := doc.Tree.CoordinatesAt(bestOffset)
		loc.XPath = coords.XPath
		loc.CSSSelector = coords.CSSSelector
		loc.Fragment = coords.Fragment
		loc.CFI = coords.CFI
	}
	return loc, nil
}

func searchBounds(textLen int, hintPct float64, hintPresent bool) (int, int) {
	if !hintPresent {
		return 0, textLen
	}
	center := int(hintPct * float64(textLen))
	radius := int(WindowFraction * float64(textLen))
	lo := center - radius
	hi := center + radius
	if lo < 0 {
		lo = 0
	}
	if hi > textLen {
		hi = textLen
	}
	return lo, hi
}

// coarseCandidates uses an in-memory bleve index over fixed-size chunks of
// the search region to narrow down start offsets worth fine-scoring,
// avoiding an O(n) smetrics comparison across the entire window.
func coarseCandidates(text, snippet string, lo, hi int) []int {
	if hi-lo <= windowChars*2 {
		// Small enough to just scan every offset directly.
		return sequentialOffsets(lo, hi)
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return sequentialOffsets(lo, hi)
	}
	defer index.Close()

	const chunkStep = windowChars / 2
	type chunk struct {
		id     string
		offset int
	}
	var chunks []chunk
	for offset := lo; offset < hi; offset += chunkStep {
		end := offset + windowChars
		if end > hi {
			end = hi
		}
		id := fmt.Sprintf("c%d", offset)
		if err := index.Index(id, text[offset:end]); err != nil {
			continue
		}
		chunks = append(chunks, chunk{id: id, offset: offset})
	}

	query := bleve.NewMatchQuery(snippet)
	search := bleve.NewSearchRequest(query)
	search.Size = 10
	result, err := index.Search(search)
	if err != nil {
		return sequentialOffsets(lo, hi)
	}

	byID := make(map[string]int, len(chunks))
	for _, c := range chunks {
		byID[c.id] = c.offset
	}

	offsets := make([]int, 0, len(result.Hits))
	for _, hit := range result.Hits {
		if offset, ok := byID[hit.ID]; ok {
			offsets = append(offsets, offset)
		}
	}
	if len(offsets) == 0 {
		return sequentialOffsets(lo, hi)
	}
	sort.Ints(offsets)
	return offsets
}

func sequentialOffsets(lo, hi int) []int {
	var offsets []int
	for o := lo; o < hi; o += windowChars / 4 {
		offsets = append(offsets, o)
	}
	return offsets
}

// refinementOffsets widens a coarse candidate into a small neighborhood so
// the fine scorer isn't limited to exact chunk boundaries.
func refinementOffsets(start, lo, hi, textLen int) []int {
	step := windowChars / 8
	offsets := []int{start}
	for d := step; d <= step*3; d += step {
		if start-d >= lo {
			offsets = append(offsets, start-d)
		}
		if start+d < hi && start+d < textLen {
			offsets = append(offsets, start+d)
		}
	}
	return offsets
}

// tokenSetScore scores two normalized strings as a token-set fuzzy ratio:
// tokenize both, rebuild sorted-unique strings from each, and measure
// Jaro-Winkler similarity, matching spec's "token-set fuzzy ratio"
// description while using a maintained metrics library instead of a
// hand-rolled edit distance.
func tokenSetScore(a, b string) float64 {
	sa := sortedUniqueTokens(a)
	sb := sortedUniqueTokens(b)
	if sa == "" || sb == "" {
		return 0
	}
	return smetrics.JaroWinkler(sa, sb, 0.7, 4) * 100
}

func sortedUniqueTokens(s string) string {
	fields := strings.Fields(s)
	seen := make(map[string]struct{}, len(fields))
	unique := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		unique = append(unique, f)
	}
	sort.Strings(unique)
	return strings.Join(unique, " ")
}

func normalize(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
