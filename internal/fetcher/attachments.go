package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/metrics"
)

const maxNameRunes = 100

var (
	unsafeNameChars   = regexp.MustCompile(`[\\/:*?"<>|]+`)
	dispositionQuoted = regexp.MustCompile(`(?i)filename\s*=\s*"([^"]+)"`)
	dispositionBare   = regexp.MustCompile(`(?i)filename\s*=\s*([^;]+)`)
	extPattern        = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)
)

// downloadAll fetches every link, skipping the ones that fail.
func (f *Fetcher) downloadAll(ctx context.Context, links []Link, session bulletin.Session) []string {
	paths := make([]string, 0, len(links))
	for _, link := range links {
		p, err := f.download(ctx, link, session)
		metrics.ObserveAttachment(err == nil)
		if err != nil {
			f.logger.Warn("attachment skipped", zap.String("url", link.URL), zap.Error(err))
			continue
		}
		f.logger.Info("attachment saved", zap.String("url", link.URL), zap.String("path", p))
		paths = append(paths, p)
	}
	return paths
}

func (f *Fetcher) download(ctx context.Context, link Link, session bulletin.Session) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.AttachmentTimeout)
	defer cancel()

	if err := f.pacer.Wait(ctx, link.URL); err != nil {
		return "", fmt.Errorf("pace attachment: %w", err)
	}
	page, err := f.attachments.Load(ctx, link.URL, session)
	if err != nil {
		return "", fmt.Errorf("load attachment: %w", err)
	}
	if page.StatusCode >= 400 {
		return "", statusError(page.StatusCode)
	}
	if len(page.Body) == 0 {
		return "", errors.New("empty attachment body")
	}
	if strings.Contains(strings.ToLower(page.ContentType), "text/html") {
		return "", errors.New("attachment url served an html page")
	}
	return f.saveFile(page, link.Text)
}

// saveFile writes the page body under the attachment directory and returns its path.
func (f *Fetcher) saveFile(page bulletin.Page, anchorText string) (string, error) {
	if err := os.MkdirAll(f.cfg.AttachmentDir, 0o750); err != nil {
		return "", fmt.Errorf("create attachment dir %s: %w", f.cfg.AttachmentDir, err)
	}
	name := FileName(page, anchorText, f.tokens.Token(8))
	target := filepath.Join(f.cfg.AttachmentDir, name)
	err := writeExclusive(target, page.Body)
	if err == nil {
		return target, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return "", err
	}
	target = filepath.Join(f.cfg.AttachmentDir, withTimestamp(name, f.now().UnixNano()))
	if err := writeExclusive(target, page.Body); err != nil {
		return "", err
	}
	return target, nil
}

func writeExclusive(target string, body []byte) error {
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := file.Write(body); err != nil {
		_ = file.Close()
		_ = os.Remove(target)
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	return nil
}

func withTimestamp(name string, stamp int64) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + strconv.FormatInt(stamp, 10) + ext
}

// FileName resolves the on-disk name of a downloaded file: the server's
// Content-Disposition name first, then the sanitised anchor text, then
// attach_<token>. The latter two get an extension from the URL or content type.
func FileName(page bulletin.Page, anchorText, token string) string {
	if page.Headers != nil {
		if name := dispositionName(page.Headers.Get("Content-Disposition")); name != "" {
			return name
		}
	}
	ext := fileExt(page)
	if name := SanitizeName(anchorText); name != "" {
		if ext != "" && !strings.EqualFold(filepath.Ext(name), ext) {
			name += ext
		}
		return name
	}
	if ext == "" {
		ext = ".dat"
	}
	return "attach_" + token + ext
}

func dispositionName(header string) string {
	if header == "" {
		return ""
	}
	var raw string
	if _, params, err := mime.ParseMediaType(header); err == nil {
		raw = params["filename"]
	}
	if raw == "" {
		if m := dispositionQuoted.FindStringSubmatch(header); m != nil {
			raw = m[1]
		} else if m := dispositionBare.FindStringSubmatch(header); m != nil {
			raw = m[1]
		}
	}
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return SanitizeName(raw)
}

func fileExt(page bulletin.Page) string {
	for _, raw := range []string{page.FinalURL, page.RequestURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil {
			if ext := strings.ToLower(path.Ext(u.Path)); extPattern.MatchString(ext) {
				return ext
			}
		}
	}
	if page.ContentType != "" {
		if exts, err := mime.ExtensionsByType(page.ContentType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}

// SanitizeName strips path separators, reserved characters and control
// characters, collapses whitespace and bounds the length.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), " ")
	name = strings.Trim(name, " .")
	if utf8.RuneCountInString(name) > maxNameRunes {
		ext := filepath.Ext(name)
		if utf8.RuneCountInString(ext) > 10 {
			ext = ""
		}
		name = truncateRunes(strings.TrimSuffix(name, ext), maxNameRunes-utf8.RuneCountInString(ext)) + ext
	}
	return name
}
