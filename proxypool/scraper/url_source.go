package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"proxyhub/proxypool/model"
	"proxyhub/proxypool/transport"
)

var (
	// candidatePattern is purely lexical: octets above 255 and ports above 65535 still match.
	candidatePattern = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d{2,5}`)

	ipCellPattern   = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	portCellPattern = regexp.MustCompile(`^\d{2,5}$`)
)

// URLSource scrapes one remote text or HTML page.
type URLSource struct {
	url     string
	fetcher transport.Fetcher
	timeout time.Duration
}

// NewURLSource creates a Scraper for url. timeout bounds the single fetch; 0 means ctx only.
func NewURLSource(url string, fetcher transport.Fetcher, timeout time.Duration) Scraper {
	return &URLSource{
		url:     url,
		fetcher: fetcher,
		timeout: timeout,
	}
}

func (s *URLSource) Name() string {
	return s.url
}

func (s *URLSource) Scrape(ctx context.Context) ([]model.Candidate, error) {
	resp, err := s.fetcher.Fetch(ctx, s.url, nil, s.timeout)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.url)
	}
	return Extract(resp.Body, resp.Header.Get("Content-Type")), nil
}

// Extract returns every ip:port token in body, in order of appearance, duplicates included.
// HTML bodies are additionally scanned for table rows holding the ip and port in separate cells.
func Extract(body []byte, contentType string) []model.Candidate {
	matches := candidatePattern.FindAll(body, -1)
	candidates := make([]model.Candidate, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, model.Candidate(m))
	}

	if strings.Contains(strings.ToLower(contentType), "html") {
		candidates = append(candidates, extractTableRows(body)...)
	}
	return candidates
}

func extractTableRows(body []byte) []model.Candidate {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var candidates []model.Candidate
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		ip := strings.TrimSpace(cells.Eq(0).Text())
		port := strings.TrimSpace(cells.Eq(1).Text())
		if !ipCellPattern.MatchString(ip) || !portCellPattern.MatchString(port) {
			return
		}
		candidates = append(candidates, model.Candidate(ip+":"+port))
	})
	return candidates
}
