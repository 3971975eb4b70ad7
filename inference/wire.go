package inference

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

type part struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	FileData   *fileData   `json:"fileData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type fileData struct {
	MIMEType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

// codeAssistRequest wraps a generate request for the Code Assist endpoint
// used by OAuth accounts.
type codeAssistRequest struct {
	Model   string          `json:"model"`
	Project string          `json:"project,omitempty"`
	Request generateRequest `json:"request"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// generateResponse covers both response shapes: the plain one and the Code
// Assist one that nests it under "response".
type generateResponse struct {
	Candidates     []candidate       `json:"candidates"`
	Response       *generateResponse `json:"response,omitempty"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

func (r *generateResponse) inner() *generateResponse {
	if r.Response != nil {
		return r.Response
	}
	return r
}

func (r *generateResponse) err() error {
	if r.Error != nil {
		code := r.Error.Code
		if code == 0 && r.Error.Status == "RESOURCE_EXHAUSTED" {
			code = http.StatusTooManyRequests
		}
		return &googleapi.Error{Code: code, Message: r.Error.Message}
	}
	return nil
}

// appendText writes the non-thought text parts of the first candidate.
func (r *generateResponse) appendText(b *strings.Builder) {
	in := r.inner()
	if len(in.Candidates) == 0 {
		return
	}
	for _, p := range in.Candidates[0].Content.Parts {
		if !p.Thought {
			b.WriteString(p.Text)
		}
	}
}

var errEmptyResponse = errors.New("inference: response contained no text")

// readSSE accumulates the text of a server-sent event stream whose data lines
// each carry one JSON response fragment.
func readSSE(r io.Reader) (string, error) {
	var (
		b       strings.Builder
		data    bytes.Buffer
		blocked string
	)
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		defer data.Reset()
		payload := bytes.TrimSpace(data.Bytes())
		if len(payload) == 0 || string(payload) == "[DONE]" {
			return nil
		}
		var chunk generateResponse
		if err := json.Unmarshal(payload, &chunk); err != nil {
			return fmt.Errorf("inference: decode stream event: %w", err)
		}
		if err := chunk.err(); err != nil {
			return err
		}
		if pf := chunk.inner().PromptFeedback; pf != nil && pf.BlockReason != "" {
			blocked = pf.BlockReason
		}
		chunk.appendText(&b)
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return "", err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("inference: read stream: %w", err)
	}
	if err := flush(); err != nil {
		return "", err
	}
	return finish(b.String(), blocked)
}

// readJSON handles a non-streamed body: a single response object or an array
// of fragments.
func readJSON(r io.Reader) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("inference: read response: %w", err)
	}
	raw = bytes.TrimSpace(raw)

	var chunks []generateResponse
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &chunks); err != nil {
			return "", fmt.Errorf("inference: decode response: %w", err)
		}
	} else {
		var one generateResponse
		if err := json.Unmarshal(raw, &one); err != nil {
			return "", fmt.Errorf("inference: decode response: %w", err)
		}
		chunks = append(chunks, one)
	}

	var (
		b       strings.Builder
		blocked string
	)
	for i := range chunks {
		if err := chunks[i].err(); err != nil {
			return "", err
		}
		if pf := chunks[i].inner().PromptFeedback; pf != nil && pf.BlockReason != "" {
			blocked = pf.BlockReason
		}
		chunks[i].appendText(&b)
	}
	return finish(b.String(), blocked)
}

func finish(text, blocked string) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}
	if blocked != "" {
		return "", &googleapi.Error{Code: 400, Message: "prompt blocked: " + blocked}
	}
	return "", errEmptyResponse
}
