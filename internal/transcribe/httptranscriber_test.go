package transcribe

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk.audio")
	require.NoError(t, os.WriteFile(path, []byte("fake audio bytes"), 0o644))
	return path
}

func TestHTTPTranscriberOffsetsTimestampsByChunkStart(t *testing.T) {
	var receivedModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		require.Equal(t, "multipart/form-data", mediaType)

		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			if part.FormName() == "model" {
				data, _ := io.ReadAll(part)
				receivedModel = string(data)
			}
			if part.FormName() == "audio" {
				data, _ := io.ReadAll(part)
				assert.Equal(t, "fake audio bytes", string(data))
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]wordResponse{
			{Text: "hello", Start: 0, End: 0.4},
			{Text: "world", Start: 0.4, End: 0.9},
		})
	}))
	defer server.Close()

	transcriber := NewHTTPTranscriber(server.URL)
	audioPath := writeTempAudio(t)

	tokens, err := transcriber.TranscribeChunk(context.Background(), audioPath, 12*time.Second, 24*time.Second, "small.en")
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	assert.Equal(t, "hello", tokens[0].Text)
	assert.InDelta(t, 12.0, tokens[0].Start, 0.001)
	assert.InDelta(t, 12.4, tokens[0].End, 0.001)
	assert.InDelta(t, 12.4, tokens[1].Start, 0.001)
	assert.Equal(t, "small.en", receivedModel)
}

func TestHTTPTranscriberReturnsTransientErrorOn5xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	transcriber := NewHTTPTranscriber(server.URL)
	audioPath := writeTempAudio(t)

	_, err := transcriber.TranscribeChunk(context.Background(), audioPath, 0, time.Second, "")
	require.Error(t, err)
}

func TestHTTPTranscriberReturnsInvalidDataErrorOnMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	transcriber := NewHTTPTranscriber(server.URL)
	audioPath := writeTempAudio(t)

	_, err := transcriber.TranscribeChunk(context.Background(), audioPath, 0, time.Second, "")
	require.Error(t, err)
}
