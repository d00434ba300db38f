package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Source kinds stored on source documents.
const (
	KindText = "text"
	KindPDF  = "pdf"
	KindURL  = "url"
)

// maxPageBytes bounds how much of a web page is read.
const maxPageBytes = 10 << 20

// KindForPath picks the loader for a file by extension.
func KindForPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return KindPDF, nil
	case ".txt", ".md", ".markdown", "":
		return KindText, nil
	default:
		return "", fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

// SourceLoader reads the text of files, PDFs and web pages.
type SourceLoader struct {
	HTTPClient *http.Client
}

// NewSourceLoader creates a loader whose web requests time out after timeout.
func NewSourceLoader(timeout time.Duration) *SourceLoader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SourceLoader{HTTPClient: &http.Client{Timeout: timeout}}
}

// Load returns the plain text of source.
func (l *SourceLoader) Load(ctx context.Context, kind, source string) (string, error) {
	switch kind {
	case KindText:
		b, err := os.ReadFile(source)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", source, err)
		}
		return string(b), nil
	case KindPDF:
		return LoadPDF(source)
	case KindURL:
		_, text, err := l.FetchPage(ctx, source)
		return text, err
	default:
		return "", fmt.Errorf("unknown source kind %q", kind)
	}
}

// LoadPDF extracts and cleans the text layer of a PDF file.
func LoadPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return CleanText(string(b)), nil
}

// FetchPage downloads a web page and returns its title and visible text.
func (l *SourceLoader) FetchPage(ctx context.Context, url string) (title, text string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "persona-ingest/1.0")

	client := l.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	return ExtractHTML(io.LimitReader(resp.Body, maxPageBytes))
}

var skippedElements = map[string]bool{
	"script": true, "style": true, "nav": true, "noscript": true,
	"header": true, "footer": true, "template": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "tr": true,
}

// ExtractHTML returns the document title and its visible text with
// scripts, styles and navigation dropped.
func ExtractHTML(r io.Reader) (title, text string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skippedElements[n.Data] {
				return
			}
			if n.Data == "title" {
				if n.FirstChild != nil && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				sb.WriteString(s)
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			sb.WriteByte('\n')
		}
	}
	walk(doc)
	return title, collapseSpace(sb.String()), nil
}

var (
	numericLine   = regexp.MustCompile(`^[\d\s\-.]+$`)
	punctuation   = regexp.MustCompile(`[^\w\s]`)
	artifactWords = regexp.MustCompile(`(?i)\b(chapter|page|figure|table)\s+\d+\b`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// CleanText removes common extraction artifacts: repeated headers and
// footers, page numbers, very short lines and lines that are mostly
// punctuation.
func CleanText(text string) string {
	lines := strings.Split(text, "\n")

	freq := make(map[string]int)
	for _, line := range lines {
		if s := strings.TrimSpace(line); len(s) > 10 {
			freq[s]++
		}
	}

	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		s := strings.TrimSpace(line)
		switch {
		case len(s) < 3:
		case freq[s] >= 3 && len(s) < 100:
		case numericLine.MatchString(s):
		case float64(len(punctuation.FindAllString(s, -1)))/float64(len([]rune(s))) > 0.3:
		default:
			kept = append(kept, s)
		}
	}

	out := strings.Join(kept, " ")
	out = artifactWords.ReplaceAllString(out, "")
	return strings.TrimSpace(whitespace.ReplaceAllString(out, " "))
}

func collapseSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(whitespace.ReplaceAllString(line, " ")); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
