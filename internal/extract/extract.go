// Package extract turns downloaded attachments into plain text for the
// summarizer. Extractors are looked up by lowercase file extension in a
// Registry built once at startup.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrUnsupported is returned for file types without an extractor.
var ErrUnsupported = errors.New("unsupported attachment type")

// Extractor reads the text of one file.
type Extractor interface {
	Extract(path string) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(path string) (string, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(path string) (string, error) {
	return f(path)
}

// Registry maps extensions to extractors.
type Registry struct {
	byExt  map[string]Extractor
	logger *zap.Logger
}

// NewRegistry returns a registry with the default extractors installed.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{byExt: map[string]Extractor{}, logger: logger}
	r.Register(".pdf", PDF(10, 5000))
	r.Register(".docx", DOCX(5000))
	r.Register(".pptx", PPTX(15, 4000))
	r.Register(".xlsx", XLSX(100, 4000))
	plain := PlainText(5000)
	for _, ext := range []string{".txt", ".csv", ".md"} {
		r.Register(ext, plain)
	}
	page := HTML(5000)
	r.Register(".html", page)
	r.Register(".htm", page)
	return r
}

// Register installs or replaces the extractor for ext.
func (r *Registry) Register(ext string, e Extractor) {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	r.byExt[ext] = e
}

// Extensions lists the registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Extract dispatches on the file extension.
func (r *Registry) Extract(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	e, ok := r.byExt[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	text, err := e.Extract(path)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}
	return strings.TrimSpace(text), nil
}

// Assemble extracts every path and joins the results into labelled blocks.
// Unsupported or unreadable files are logged and left out.
func (r *Registry) Assemble(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		text, err := r.Extract(p)
		switch {
		case errors.Is(err, ErrUnsupported):
			r.logger.Debug("attachment type not extracted", zap.String("path", p))
			continue
		case err != nil:
			r.logger.Warn("attachment extraction failed", zap.String("path", p), zap.Error(err))
			continue
		case text == "":
			continue
		}
		fmt.Fprintf(&b, "\n\n--- attachment (%s) ---\n%s\n", filepath.Base(p), text)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
