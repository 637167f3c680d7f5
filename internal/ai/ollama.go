package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultOllamaModel   = "llama3"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type ollamaChatResp struct {
	Message ollamaMsg `json:"message"`
	Error   string    `json:"error,omitempty"`
}

// ollamaFragment is one NDJSON line of a streamed /api/chat response.
type ollamaFragment struct {
	Message *ollamaMsg `json:"message,omitempty"`
	Done    bool       `json:"done"`
	Error   string     `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		// no client-wide timeout: a stalled stream stalls its turn, ctx decides
		Client: &http.Client{},
	}
}

func (p *OllamaProvider) newRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	if p.Client == nil {
		return nil, errors.New("ollama: http client is nil")
	}

	reqBody := ollamaChatReq{
		Model:    p.Model,
		Stream:   stream,
		Messages: make([]ollamaMsg, 0, len(messages)),
	}
	for _, m := range messages {
		reqBody.Messages = append(reqBody.Messages, ollamaMsg{Role: m.Role, Content: m.Content})
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "ollama: encode request")
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "ollama: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return errors.Errorf("ollama: status %d", resp.StatusCode)
	}
	return errors.Errorf("ollama: status %d: %s", resp.StatusCode, msg)
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	req, err := p.newRequest(ctx, messages, false)
	if err != nil {
		return "", err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "ollama: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(resp)
	}

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", errors.Wrap(err, "ollama: decode response")
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	return decoded.Message.Content, nil
}

// StreamChat streams assistant content tokens from /api/chat with stream=true.
// It returns immediately with two channels; both will be closed when streaming ends.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		req, err := p.newRequest(ctx, messages, true)
		if err != nil {
			errs <- err
			return
		}

		start := time.Now()
		resp, err := p.Client.Do(req)
		if err != nil {
			errs <- errors.Wrap(err, "ollama: request failed")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- statusError(resp)
			return
		}

		n, err := ReadNDJSON(ctx, resp.Body, chunks)
		if err != nil {
			errs <- err
			return
		}
		log.Debug().Str("model", p.Model).Int("tokens", n).Dur("took", time.Since(start)).Msg("ollama stream finished")
	}()

	return chunks, errs
}

// maxFragmentBytes bounds one NDJSON line. Longer lines are drained and skipped.
const maxFragmentBytes = 2 * 1024 * 1024

// ReadNDJSON decodes a newline-delimited JSON chat stream from r and sends every
// non-empty token to out, returning the number of tokens sent. It stops at the
// first fragment carrying done=true. Lines that are not valid JSON, or longer
// than maxFragmentBytes, are skipped. A read failure before the done signal is
// returned as an error.
func ReadNDJSON(ctx context.Context, r io.Reader, out chan<- string) (int, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	sent := 0
	for {
		line, tooLong, readErr := readFragment(br, maxFragmentBytes)
		if readErr != nil && readErr != io.EOF {
			return sent, errors.Wrap(readErr, "ollama: stream read")
		}

		if tooLong {
			log.Debug().Int("max", maxFragmentBytes).Msg("skipping oversized stream fragment")
		} else if line = bytes.TrimSpace(line); len(line) > 0 {
			var frag ollamaFragment
			if err := json.Unmarshal(line, &frag); err != nil {
				log.Debug().Err(err).Int("len", len(line)).Msg("skipping unparseable stream fragment")
			} else if frag.Error != "" {
				return sent, errors.New(frag.Error)
			} else if frag.Done {
				return sent, nil
			} else if frag.Message != nil && frag.Message.Content != "" {
				select {
				case out <- frag.Message.Content:
					sent++
				case <-ctx.Done():
					return sent, ctx.Err()
				}
			}
		}

		if readErr == io.EOF {
			return sent, nil
		}
	}
}

// readFragment returns the next line including its newline. A line longer
// than limit is consumed to its end and reported as tooLong without its bytes.
func readFragment(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		var chunk []byte
		chunk, err = br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, tooLong, err
	}
}
