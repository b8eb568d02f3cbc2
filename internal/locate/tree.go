package locate

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// blockTags are the elements the crengine-safe xpath generator is allowed to
// anchor to; anything else walks up to its nearest ancestor among these.
var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "blockquote": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"body": true,
}

// Coordinates is everything locate derives from a char offset once it has
// found the matching parse-tree node.
type Coordinates struct {
	XPath       string
	CSSSelector string
	Fragment    string
	CFI         string
}

type textRun struct {
	node   *html.Node
	start  int // cumulative char offset this run begins at
	length int
}

// ParsedTree is an ebook document's DOM plus a precomputed cumulative
// text-offset index, so CoordinatesAt can find the owning node in O(log n).
type ParsedTree struct {
	root *html.Node
	runs []textRun
	text string
}

// ParseDocument parses an XHTML/HTML document body into a ParsedTree. The
// normalized text offsets Find reports are assumed to have been computed
// against the same concatenation of text nodes this walk produces.
func ParseDocument(markup string) (*ParsedTree, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("locate: parse document: %w", err)
	}
	tree := &ParsedTree{root: doc}
	tree.index(doc)
	return tree, nil
}

// NewDocument parses markup and returns a Document whose Text is the exact
// concatenation CoordinatesAt's offsets are computed against, so a caller
// never has to derive matching text and tree separately by hand.
func NewDocument(markup string) (Document, error) {
	tree, err := ParseDocument(markup)
	if err != nil {
		return Document{}, err
	}
	return Document{Text: tree.text, Tree: tree}, nil
}

func (t *ParsedTree) index(n *html.Node) {
	offset := 0
	var text strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			normalized := normalize(node.Data)
			if normalized != "" {
				length := len(normalized) + 1 // +1 for the joining space Find's normalize inserts between runs
				t.runs = append(t.runs, textRun{node: node, start: offset, length: length})
				offset += length
				text.WriteString(normalized)
				text.WriteByte(' ')
			}
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	t.text = text.String()
}

// CoordinatesAt finds the text node whose cumulative range contains offset
// and derives every coordinate flavor from it.
func (t *ParsedTree) CoordinatesAt(offset int) Coordinates {
	idx := t.runAt(offset)
	if idx < 0 {
		return Coordinates{}
	}
	node := t.runs[idx].node

	block := nearestBlockAncestor(node)
	xpath := xpathFor(block)
	return Coordinates{
		XPath:       xpath,
		CSSSelector: cssSelectorFor(block),
		Fragment:    idAttr(block),
		CFI:         cfiFor(block),
	}
}

func (t *ParsedTree) runAt(offset int) int {
	lo, hi := 0, len(t.runs)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if t.runs[mid].start <= offset {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// nearestBlockAncestor walks up from an inline/text node to the nearest
// block-level ancestor, per the edge policy that fragile inline elements
// (emphasis, formatting) must not anchor an xpath.
func nearestBlockAncestor(n *html.Node) *html.Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && blockTags[cur.Data] {
			return cur
		}
	}
	return n
}

// xpathFor builds a crengine-safe xpath: a purely positional path of
// element indices from the document root, skipping a redundant leading
// "body" segment when the walk already starts there.
func xpathFor(n *html.Node) string {
	var segments []string
	cur := n
	for cur != nil && cur.Type == html.ElementNode {
		idx := siblingIndex(cur)
		segments = append([]string{fmt.Sprintf("%s[%d]", cur.Data, idx)}, segments...)
		cur = cur.Parent
	}

	// Collapse a doubled body/body into one, matching the "must avoid
	// double body segments" edge policy.
	if len(segments) >= 2 && strings.HasPrefix(segments[0], "body[") && strings.HasPrefix(segments[1], "body[") {
		segments = segments[1:]
	}
	return "/" + strings.Join(segments, "/")
}

func siblingIndex(n *html.Node) int {
	idx := 1
	for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
		if sib.Type == html.ElementNode && sib.Data == n.Data {
			idx++
		}
	}
	return idx
}

func cssSelectorFor(n *html.Node) string {
	if id := idAttr(n); id != "" {
		return "#" + id
	}
	var parts []string
	cur := n
	for cur != nil && cur.Type == html.ElementNode {
		parts = append([]string{fmt.Sprintf("%s:nth-child(%d)", cur.Data, siblingIndex(cur))}, parts...)
		cur = cur.Parent
	}
	return strings.Join(parts, " > ")
}

func idAttr(n *html.Node) string {
	for _, attr := range n.Attr {
		if attr.Key == "id" {
			return attr.Val
		}
	}
	return ""
}

// cfiFor produces an EPUB CFI-shaped path. It is coarse (element-path
// granularity, not character-offset within the text node) but stable across
// re-renders of the same document.
func cfiFor(n *html.Node) string {
	var steps []string
	cur := n
	for cur != nil && cur.Type == html.ElementNode && cur.Parent != nil {
		steps = append([]string{fmt.Sprintf("%d", siblingIndex(cur)*2)}, steps...)
		cur = cur.Parent
	}
	return "epubcfi(/" + strings.Join(steps, "/") + ")"
}
