// Package extractor turns PDFs on disk into plain text, page by page, plus
// document metadata. Two extraction backends are tried in order and the
// higher-quality result wins; scanned or image-only documents are flagged so
// callers never index garbage.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	dpdf "github.com/dslipak/pdf"
	lpdf "github.com/ledongthuc/pdf"

	"github.com/pdfqa/pdfqa/pkg/domain"
	"github.com/pdfqa/pdfqa/pkg/log"
)

const (
	// minCharsPerPage is the average text density below which a document is
	// considered image-only.
	minCharsPerPage = 100

	// goodQuality short-circuits the fallback chain.
	goodQuality = 0.7

	// usableQuality is the floor below which a result is treated as failed.
	usableQuality = 0.2

	maxFileSize = 200 << 20
)

type Service struct {
	logger *slog.Logger
}

func New() *Service {
	return &Service{logger: log.WithModule("extractor")}
}

type methodResult struct {
	pages   []string
	quality float64
}

// Extract pulls the text and metadata out of the PDF at path. The returned
// Text joins per-page texts under "--- Page N ---" headers. Image-only
// documents extract successfully with near-empty text; use LowYield to
// detect them.
func (s *Service) Extract(ctx context.Context, path string) (*domain.Extraction, error) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: file not found: %s", domain.ErrExtractFailed, path)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrExtractFailed, err)
	}
	if st.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", domain.ErrExtractFailed, int64(maxFileSize))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var best *methodResult
	var firstErr error

	for _, m := range []struct {
		name    string
		extract func(string) ([]string, error)
	}{
		{"dslipak", s.extractDslipak},
		{"ledongthuc", s.extractLedongthuc},
	} {
		pages, err := m.extract(path)
		if err != nil {
			s.logger.Debug("extraction method failed", "method", m.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		q := textQuality(strings.Join(pages, "\n"))
		s.logger.Debug("extraction method finished", "method", m.name, "pages", len(pages), "quality", q)
		if best == nil || q > best.quality {
			best = &methodResult{pages: pages, quality: q}
		}
		if q >= goodQuality {
			break
		}
	}

	if best == nil {
		if firstErr != nil && isEncrypted(firstErr) {
			return nil, fmt.Errorf("%w: password protected", domain.ErrExtractFailed)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrExtractFailed, firstErr)
	}
	if best.quality < usableQuality && totalLen(best.pages) > 0 {
		return nil, fmt.Errorf("%w: extracted text is unreadable", domain.ErrExtractFailed)
	}

	meta := s.metadata(path)
	meta.NumPages = len(best.pages)
	meta.FileSize = st.Size()

	return &domain.Extraction{
		Text:     assemble(best.pages),
		Pages:    best.pages,
		NumPages: len(best.pages),
		Metadata: meta,
	}, nil
}

// LowYield reports whether the extraction averaged fewer than 100 characters
// of text per page, the signature of a scanned or image-only PDF.
func LowYield(e *domain.Extraction) bool {
	if e.NumPages == 0 {
		return true
	}
	var total int
	for _, p := range e.Pages {
		total += len(strings.TrimSpace(p))
	}
	return float64(total)/float64(e.NumPages) < minCharsPerPage
}

// SearchPages finds occurrences of needle in the extracted pages, returning
// the page number (1-based), the rune offset within the page, and a snippet
// of up to 100 characters of context on each side.
func SearchPages(e *domain.Extraction, needle string, caseSensitive bool, limit int) []domain.PageMatch {
	if needle == "" {
		return nil
	}
	var matches []domain.PageMatch
	target := needle
	if !caseSensitive {
		target = strings.ToLower(target)
	}
	for pageNum, page := range e.Pages {
		haystack := page
		if !caseSensitive {
			haystack = strings.ToLower(haystack)
		}
		from := 0
		for {
			i := strings.Index(haystack[from:], target)
			if i < 0 {
				break
			}
			pos := from + i
			matches = append(matches, domain.PageMatch{
				Page:    pageNum + 1,
				Offset:  len([]rune(haystack[:pos])),
				Snippet: snippet(page, pos, len(target)),
			})
			if limit > 0 && len(matches) >= limit {
				return matches
			}
			from = pos + len(target)
		}
	}
	return matches
}

func snippet(page string, pos, needleLen int) string {
	const context = 100
	start := pos - context
	if start < 0 {
		start = 0
	}
	end := pos + needleLen + context
	if end > len(page) {
		end = len(page)
	}
	// Stay on rune boundaries.
	for start > 0 && !isRuneStart(page[start]) {
		start--
	}
	for end < len(page) && !isRuneStart(page[end]) {
		end++
	}
	return page[start:end]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func (s *Service) extractDslipak(path string) (pages []string, err error) {
	// The underlying parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	r, err := dpdf.Open(path)
	if err != nil {
		return nil, err
	}
	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			s.logger.Warn("failed to read page", "page", i, "error", err)
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}

func (s *Service) extractLedongthuc(path string) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := lpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, err
	}
	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		fonts := make(map[string]*lpdf.Font)
		text, err := p.GetPlainText(fonts)
		if err != nil {
			s.logger.Warn("failed to read page", "page", i, "error", err)
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}

func (s *Service) metadata(path string) domain.Metadata {
	var meta domain.Metadata
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("metadata read panicked", "error", r)
		}
	}()

	r, err := dpdf.Open(path)
	if err != nil {
		return meta
	}
	info := r.Trailer().Key("Info")
	if info.IsNull() {
		return meta
	}
	meta.Title = infoString(info, "Title")
	meta.Author = infoString(info, "Author")
	meta.Subject = infoString(info, "Subject")
	meta.Creator = infoString(info, "Creator")
	meta.Producer = infoString(info, "Producer")
	return meta
}

func infoString(info dpdf.Value, key string) string {
	v := info.Key(key)
	if v.Kind() != dpdf.String {
		return ""
	}
	return strings.TrimSpace(v.RawString())
}

// assemble joins page texts under numbered headers so downstream prompts and
// search results keep page attribution.
func assemble(pages []string) string {
	parts := make([]string, 0, len(pages))
	for i, p := range pages {
		parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", i+1, p))
	}
	return strings.Join(parts, "\n\n")
}

// textQuality scores extracted text in [0,1] by the share of printable
// characters and alphanumeric content, penalizing replacement characters.
func textQuality(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) == 0 {
		return 0
	}
	var alnum, printable, corrupted, total int
	for _, r := range trimmed {
		total++
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			alnum++
			printable++
		case r == ' ' || r == '\n' || r == '\t' || (r >= 32 && r < 127):
			printable++
		case r == '�':
			corrupted++
		case r > 127:
			printable++
		}
	}
	score := 0.5 * float64(printable) / float64(total)
	ar := float64(alnum) / float64(total)
	if ar > 0.4 {
		ar = 0.4
	}
	score += ar
	score += 0.1 // non-empty
	score -= 2 * float64(corrupted) / float64(total)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func isEncrypted(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "encrypt")
}

func totalLen(pages []string) int {
	var n int
	for _, p := range pages {
		n += len(p)
	}
	return n
}
