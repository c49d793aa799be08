// Package doc provides a document-reading tool backed by pure-Go PDF text
// extraction.
package doc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	conductor "github.com/nevindra/conductor"
)

// maxContentLen bounds the text returned to the model.
const maxContentLen = 8000

// Tool extracts plain text from local PDF files.
type Tool struct{}

// New creates a document tool.
func New() *Tool {
	return &Tool{}
}

func (t *Tool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{{
		Name:        "pdf_extract",
		Description: "Extract plain text from a local PDF file. Use for reading reports, papers, manuals.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path to the PDF file"}},"required":["path"]}`),
	}}
}

func (t *Tool) Execute(_ context.Context, _ string, args json.RawMessage) (conductor.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Path == "" {
		return conductor.ToolResult{Error: "path is required"}, nil
	}

	content, err := os.ReadFile(params.Path)
	if err != nil {
		return conductor.ToolResult{Error: err.Error()}, nil
	}

	text, err := ExtractText(content)
	if err != nil {
		return conductor.ToolResult{Error: err.Error()}, nil
	}

	if len(text) > maxContentLen {
		text = text[:maxContentLen] + "\n... (truncated)"
	}

	return conductor.ToolResult{Content: text}, nil
}

// ExtractText extracts plain text from PDF bytes, page by page. Unreadable
// pages are skipped. Exported for use outside the tool loop.
func ExtractText(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue // skip unreadable pages
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}

	return strings.TrimSpace(text.String()), nil
}

var _ conductor.Tool = (*Tool)(nil)
