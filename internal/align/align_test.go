package align

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokensFromWords(words []string, secondsPerWord float64) []Token {
	tokens := make([]Token, len(words))
	for i, w := range words {
		tokens[i] = Token{Start: float64(i) * secondsPerWord, End: float64(i+1) * secondsPerWord, Text: w}
	}
	return tokens
}

func TestBuildRejectsTooFewAnchors(t *testing.T) {
	words := strings.Fields("the quick brown fox")
	_, err := Build(tokensFromWords(words, 0.4), "the quick brown fox jumps")
	require.Error(t, err)
}

func TestBuildProducesMonotonicAnchors(t *testing.T) {
	// 60 distinct words, narrated at 0.4s/word, transcript == ebook text
	// verbatim so every 12-word window is a unique anchor.
	words := make([]string, 60)
	for i := range words {
		words[i] = generateWord(i)
	}
	ebookText := strings.Join(words, " ")

	m, err := Build(tokensFromWords(words, 0.4), ebookText)
	require.NoError(t, err)

	anchors := m.Anchors()
	require.GreaterOrEqual(t, len(anchors), MinAnchors)

	for i := 1; i < len(anchors); i++ {
		assert.Greater(t, anchors[i].AudioTS, anchors[i-1].AudioTS)
		assert.GreaterOrEqual(t, anchors[i].CharOffset, anchors[i-1].CharOffset)
	}
}

func TestTimeToCharClampsAtBounds(t *testing.T) {
	m := FromAnchors([]Anchor{
		{CharOffset: 100, AudioTS: 10},
		{CharOffset: 200, AudioTS: 20},
		{CharOffset: 400, AudioTS: 40},
	})

	assert.Equal(t, 100, m.TimeToChar(-5))
	assert.Equal(t, 400, m.TimeToChar(1000))
	assert.Equal(t, 150, m.TimeToChar(15))
}

func TestCharToTimeIsSymmetricAtAnchors(t *testing.T) {
	m := FromAnchors([]Anchor{
		{CharOffset: 100, AudioTS: 10},
		{CharOffset: 200, AudioTS: 20},
	})

	assert.Equal(t, 10.0, m.CharToTime(100))
	assert.Equal(t, 15.0, m.CharToTime(150))
	assert.Equal(t, 20.0, m.CharToTime(250))
}

func generateWord(i int) string {
	letters := "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%26]) + string(letters[(i/26)%26]) + string(rune('0'+i%10))
}
