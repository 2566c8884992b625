package extract

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/simplifiedchinese"
)

const maxTextBytes = 4 << 20

// PlainText reads text files. Content that is not valid UTF-8 is decoded as
// GB18030, the usual encoding of files exported on Chinese desktops.
func PlainText(maxChars int) Extractor {
	return ExtractorFunc(func(path string) (string, error) {
		raw, err := readBounded(path)
		if err != nil {
			return "", err
		}
		return truncate(decodeText(raw), maxChars), nil
	})
}

// HTML extracts the visible body text of a saved page.
func HTML(maxChars int) Extractor {
	return ExtractorFunc(func(path string) (string, error) {
		raw, err := readBounded(path)
		if err != nil {
			return "", err
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(decodeText(raw)))
		if err != nil {
			return "", fmt.Errorf("parse html: %w", err)
		}
		doc.Find("script,style,noscript").Remove()
		body := doc.Find("body")
		if body.Length() == 0 {
			body = doc.Selection
		}
		return truncate(strings.Join(strings.Fields(body.Text()), " "), maxChars), nil
	})
}

func readBounded(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	raw, err := io.ReadAll(io.LimitReader(f, maxTextBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}

func decodeText(raw []byte) string {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if utf8.Valid(raw) {
		return string(raw)
	}
	decoded, err := simplifiedchinese.GB18030.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "")
	}
	return string(decoded)
}
