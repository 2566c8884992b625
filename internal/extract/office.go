package extract

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
)

const maxPartBytes = 32 << 20

var partNumber = regexp.MustCompile(`(\d+)\.xml$`)

// DOCX extracts paragraph text from word/document.xml.
func DOCX(maxChars int) Extractor {
	return ExtractorFunc(func(path string) (string, error) {
		zr, err := zip.OpenReader(path)
		if err != nil {
			return "", fmt.Errorf("open docx: %w", err)
		}
		defer func() { _ = zr.Close() }()

		doc, err := parsePart(&zr.Reader, "word/document.xml")
		if err != nil {
			return "", err
		}
		return truncate(strings.Join(paragraphs(doc), "\n"), maxChars), nil
	})
}

// PPTX extracts paragraph text from the first maxSlides slides.
func PPTX(maxSlides, maxChars int) Extractor {
	return ExtractorFunc(func(path string) (string, error) {
		zr, err := zip.OpenReader(path)
		if err != nil {
			return "", fmt.Errorf("open pptx: %w", err)
		}
		defer func() { _ = zr.Close() }()

		slides := numberedParts(&zr.Reader, "ppt/slides/slide")
		if maxSlides > 0 && len(slides) > maxSlides {
			slides = slides[:maxSlides]
		}
		var lines []string
		for _, name := range slides {
			doc, err := parsePart(&zr.Reader, name)
			if err != nil {
				return "", err
			}
			lines = append(lines, paragraphs(doc)...)
		}
		return truncate(strings.Join(lines, "\n"), maxChars), nil
	})
}

// XLSX renders the first maxRows rows of the first worksheet as a markdown table.
func XLSX(maxRows, maxChars int) Extractor {
	return ExtractorFunc(func(path string) (string, error) {
		zr, err := zip.OpenReader(path)
		if err != nil {
			return "", fmt.Errorf("open xlsx: %w", err)
		}
		defer func() { _ = zr.Close() }()

		var shared []string
		if doc, err := parsePart(&zr.Reader, "xl/sharedStrings.xml"); err == nil {
			for _, si := range xmlquery.Find(doc, "//*[local-name()='si']") {
				shared = append(shared, si.InnerText())
			}
		} else if !errors.Is(err, errPartMissing) {
			return "", err
		}

		sheets := numberedParts(&zr.Reader, "xl/worksheets/sheet")
		if len(sheets) == 0 {
			return "", errors.New("xlsx has no worksheets")
		}
		sheet, err := parsePart(&zr.Reader, sheets[0])
		if err != nil {
			return "", err
		}

		var table [][]string
		for _, row := range xmlquery.Find(sheet, "//*[local-name()='row']") {
			if maxRows > 0 && len(table) >= maxRows {
				break
			}
			var cells []string
			for _, c := range xmlquery.Find(row, "./*[local-name()='c']") {
				cells = append(cells, cellValue(c, shared))
			}
			table = append(table, cells)
		}
		if len(table) == 0 {
			return "", nil
		}
		return truncate(markdownTable(table), maxChars), nil
	})
}

var errPartMissing = errors.New("package part missing")

func parsePart(zr *zip.Reader, name string) (*xmlquery.Node, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer func() { _ = rc.Close() }()
		doc, err := xmlquery.Parse(io.LimitReader(rc, maxPartBytes))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return doc, nil
	}
	return nil, fmt.Errorf("%w: %s", errPartMissing, name)
}

// numberedParts returns the parts under prefix ordered by their trailing number.
func numberedParts(zr *zip.Reader, prefix string) []string {
	type part struct {
		name string
		n    int
	}
	var parts []part
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, prefix) || strings.Contains(f.Name[len(prefix):], "/") {
			continue
		}
		m := partNumber.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		parts = append(parts, part{name: f.Name, n: n})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].n < parts[j].n })
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.name
	}
	return out
}

func paragraphs(doc *xmlquery.Node) []string {
	var out []string
	for _, p := range xmlquery.Find(doc, "//*[local-name()='p']") {
		if text := strings.TrimSpace(p.InnerText()); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func cellValue(c *xmlquery.Node, shared []string) string {
	switch c.SelectAttr("t") {
	case "s":
		v := xmlquery.FindOne(c, "./*[local-name()='v']")
		if v == nil {
			return ""
		}
		i, err := strconv.Atoi(strings.TrimSpace(v.InnerText()))
		if err != nil || i < 0 || i >= len(shared) {
			return ""
		}
		return shared[i]
	case "inlineStr":
		if is := xmlquery.FindOne(c, "./*[local-name()='is']"); is != nil {
			return is.InnerText()
		}
		return ""
	default:
		if v := xmlquery.FindOne(c, "./*[local-name()='v']"); v != nil {
			return v.InnerText()
		}
		return ""
	}
}

func markdownTable(rows [][]string) string {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(cells) {
				cell = strings.ReplaceAll(strings.TrimSpace(cells[i]), "|", `\|`)
				cell = strings.Join(strings.Fields(cell), " ")
			}
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}
	writeRow(rows[0])
	b.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
	for _, r := range rows[1:] {
		writeRow(r)
	}
	return b.String()
}
