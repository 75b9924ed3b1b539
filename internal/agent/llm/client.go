// Package llm talks to the language models and dispatches extracted content
// to them according to the processing mode.
package llm

import (
	"context"
	"fmt"
)

// Part is one piece of a user message: text or an image, never both.
type Part struct {
	Text     string
	Image    []byte
	MIMEType string
	// Page is the source page, 0 for prompt text.
	Page int
}

func (p Part) IsImage() bool { return len(p.Image) > 0 }

func TextPart(text string) Part { return Part{Text: text} }

func ImagePart(page int, data []byte, mimeType string) Part {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return Part{Page: page, Image: data, MIMEType: mimeType}
}

type Request struct {
	System string
	Parts  []Part
	// JSON asks the backend to constrain the answer to a JSON document.
	JSON bool
}

// Images counts the image parts of the request.
func (r *Request) Images() int {
	n := 0
	for _, p := range r.Parts {
		if p.IsImage() {
			n++
		}
	}
	return n
}

type Response struct {
	Content          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// Client is a single model endpoint. Implementations do not retry; the
// caller wraps Invoke in the retrying invoker.
type Client interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
	Model() string
}

// APIError is a non-2xx answer from a model endpoint.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) HTTPStatusCode() int { return e.StatusCode }
