package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/briarwood/readbridge/internal/align"
	"github.com/briarwood/readbridge/internal/apperrors"
)

// wordResponse is one transcribed word as a whisper.cpp-server-style
// endpoint reports it.
type wordResponse struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// HTTPTranscriber implements Transcriber against a remote whisper.cpp-server
// (or compatible) HTTP endpoint: it posts the chunk's audio file and gets
// back word-level timestamps. This is the concrete default; spec.md treats
// the transcriber itself as pluggable, so any type satisfying Transcriber
// can substitute this at composition time.
type HTTPTranscriber struct {
	endpoint string
	http     *http.Client
}

// NewHTTPTranscriber builds a transcriber posting chunk audio to endpoint.
func NewHTTPTranscriber(endpoint string) *HTTPTranscriber {
	return &HTTPTranscriber{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Minute},
	}
}

var _ Transcriber = (*HTTPTranscriber)(nil)

func (h *HTTPTranscriber) TranscribeChunk(ctx context.Context, audioPath string, start, end time.Duration, modelHint string) ([]align.Token, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, apperrors.New(apperrors.Fatal, err)
	}
	defer file.Close()

	body, contentType, err := encodeMultipart(file, audioPath, modelHint)
	if err != nil {
		return nil, apperrors.New(apperrors.Fatal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, body)
	if err != nil {
		return nil, apperrors.New(apperrors.Fatal, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.Transient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.New(apperrors.Transient, err)
	}
	if resp.StatusCode >= 500 {
		return nil, apperrors.New(apperrors.Transient, fmt.Errorf("transcriber server error %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.InvalidData, fmt.Errorf("transcriber rejected chunk %d: %s", resp.StatusCode, respBody))
	}

	var words []wordResponse
	if err := json.Unmarshal(respBody, &words); err != nil {
		return nil, apperrors.New(apperrors.InvalidData, err)
	}

	offset := start.Seconds()
	tokens := make([]align.Token, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, align.Token{
			Start: offset + w.Start,
			End:   offset + w.End,
			Text:  w.Text,
		})
	}
	return tokens, nil
}

func encodeMultipart(file *os.File, path, modelHint string) (io.Reader, string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		defer mw.Close()

		part, err := mw.CreateFormFile("audio", path)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		if modelHint != "" {
			_ = mw.WriteField("model", modelHint)
		}
	}()

	return pr, mw.FormDataContentType(), nil
}
