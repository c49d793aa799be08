package doc

import (
	"context"
	"encoding/json"
	"testing"
)

func TestExtractTextEmptyContent(t *testing.T) {
	if _, err := ExtractText(nil); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestExtractTextInvalidPDF(t *testing.T) {
	if _, err := ExtractText([]byte("not a pdf")); err == nil {
		t.Error("expected error for invalid content")
	}
}

func TestExecuteMissingPath(t *testing.T) {
	tool := New()
	result, err := tool.Execute(context.Background(), "pdf_extract", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.Error == "" {
		t.Error("expected error for missing path")
	}
}

func TestExecuteNoSuchFile(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]string{"path": "/nonexistent/file.pdf"})
	result, err := tool.Execute(context.Background(), "pdf_extract", args)
	if err != nil {
		t.Fatal(err)
	}
	if result.Error == "" {
		t.Error("expected error for missing file")
	}
}
