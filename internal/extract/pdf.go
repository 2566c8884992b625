package extract

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDF extracts the plain text of the first maxPages pages.
func PDF(maxPages, maxChars int) Extractor {
	return ExtractorFunc(func(path string) (text string, err error) {
		// The parser panics on some malformed documents.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pdf parser panic: %v", r)
			}
		}()

		f, reader, err := pdf.Open(path)
		if err != nil {
			return "", fmt.Errorf("open pdf: %w", err)
		}
		defer func() { _ = f.Close() }()

		var b strings.Builder
		pages := reader.NumPage()
		if maxPages > 0 && pages > maxPages {
			pages = maxPages
		}
		for i := 1; i <= pages; i++ {
			page := reader.Page(i)
			if page.V.IsNull() {
				continue
			}
			content, err := page.GetPlainText(nil)
			if err != nil {
				return "", fmt.Errorf("pdf page %d: %w", i, err)
			}
			b.WriteString(content)
			b.WriteByte('\n')
			if maxChars > 0 && b.Len() > maxChars*4 {
				break
			}
		}
		return truncate(b.String(), maxChars), nil
	})
}
