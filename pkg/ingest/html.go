package ingest

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

// mainContentSelectors are tried in order; the body is used when none matches.
var mainContentSelectors = []string{
	"main",
	"article",
	".content",
	"#content",
	".document",
	"#document",
}

var noisePatterns = []string{
	"Cookie Policy",
	"Accept Cookies",
	"Privacy Policy",
	"Terms of Service",
}

const blockSelector = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, tr, dt, dd"

// IsHTML reports whether a content type names an HTML document.
func IsHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// ExtractHTML reduces an HTML page to its main content as plain text. Headings become
// markdown headings and table rows are joined with pipes so the chunker can see structure.
func ExtractHTML(r io.Reader) (title string, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse html: %w", err)
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())

	content := doc.Find("body")
	for _, selector := range mainContentSelectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.First()
			break
		}
	}
	content.Find("script, style, noscript, nav, footer, aside, form").Remove()

	var blocks []string
	content.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// nested blocks are rendered by their outermost block
		if s.ParentsFiltered("p, li, pre, blockquote, tr, dd").Length() > 0 {
			return
		}
		if b := renderBlock(s); b != "" {
			blocks = append(blocks, b)
		}
	})

	if len(blocks) == 0 {
		return title, cleanContent(content.Text()), nil
	}
	return title, strings.Join(blocks, "\n\n"), nil
}

func renderBlock(s *goquery.Selection) string {
	name := goquery.NodeName(s)
	switch name {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		text := cleanContent(s.Text())
		if text == "" {
			return ""
		}
		return strings.Repeat("#", int(name[1]-'0')) + " " + text
	case "li":
		text := cleanContent(s.Text())
		if text == "" {
			return ""
		}
		return "- " + text
	case "tr":
		var cells []string
		s.Find("th, td").Each(func(_ int, c *goquery.Selection) {
			cells = append(cells, cleanContent(c.Text()))
		})
		if len(cells) == 0 {
			return ""
		}
		return "| " + strings.Join(cells, " | ") + " |"
	case "pre":
		return strings.TrimSpace(s.Text())
	}
	return cleanContent(s.Text())
}

func cleanContent(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}
	return strings.TrimSpace(content)
}

type FetcherConfig struct {
	RateLimit float64 // requests per second
	Timeout   time.Duration
	UserAgent string
}

// Fetcher downloads single documents for ingestion. It does not follow links.
type Fetcher struct {
	config  FetcherConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewFetcher(config FetcherConfig) *Fetcher {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if config.UserAgent == "" {
		config.UserAgent = "dossier/1.0"
	}
	return &Fetcher{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

// Fetch downloads rawURL into an ingestion request for caseID. The document id is left to
// the pipeline.
func (f *Fetcher) Fetch(ctx context.Context, caseID, rawURL string) (Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Request{}, fmt.Errorf("invalid document url %q", rawURL)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return Request{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Request{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Request{}, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Request{}, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Request{}, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}

	title := u.Path
	if i := strings.LastIndexByte(title, '/'); i >= 0 && i < len(title)-1 {
		title = title[i+1:]
	}
	if title == "" || title == "/" {
		title = u.Host
	}
	return Request{
		CaseID:      caseID,
		Title:       title,
		Text:        string(body),
		ContentType: resp.Header.Get("Content-Type"),
		Source:      u.String(),
	}, nil
}
