// Package sec talks to EDGAR: document fetching, Form 4 parsing, historical
// backfill discovery, and the "current filings" poller.
package sec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FilingMetadata is the filing_date/form_type resolved from the issuer
// submissions JSON.
type FilingMetadata struct {
	IssuerCIK       string
	AccessionNumber string
	FilingDate      string
	FormType        string
}

// submissionsDoc mirrors the parts of the EDGAR submissions JSON we read.
type submissionsDoc struct {
	Filings struct {
		Recent recentBlock `json:"recent"`
		Files  []struct {
			Name     string `json:"name"`
			FilingTo string `json:"filingTo"`
		} `json:"files"`
	} `json:"filings"`
}

type recentBlock struct {
	AccessionNumber []string `json:"accessionNumber"`
	Form            []string `json:"form"`
	FilingDate      []string `json:"filingDate"`
}

type indexDoc struct {
	Directory struct {
		Item []struct {
			Name string `json:"name"`
		} `json:"item"`
	} `json:"directory"`
}

// Client is the EDGAR HTTP client. All requests share a process-wide polite
// throttle; EDGAR bans clients that exceed its rate limits.
type Client struct {
	http        *http.Client
	userAgent   string
	minInterval time.Duration
	logger      zerolog.Logger
}

var (
	throttleMu   sync.Mutex
	lastRequest  time.Time
	monotonicNow = time.Now // replaceable in tests
)

func NewClient(userAgent string, minIntervalSeconds float64, logger zerolog.Logger) *Client {
	return &Client{
		http:        &http.Client{Timeout: 60 * time.Second},
		userAgent:   userAgent,
		minInterval: time.Duration(minIntervalSeconds * float64(time.Second)),
		logger:      logger.With().Str("component", "edgar").Logger(),
	}
}

func (c *Client) throttle() {
	if c.minInterval <= 0 {
		return
	}
	throttleMu.Lock()
	defer throttleMu.Unlock()
	now := monotonicNow()
	if dt := now.Sub(lastRequest); dt < c.minInterval {
		time.Sleep(c.minInterval - dt)
	}
	lastRequest = monotonicNow()
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	c.logger.Debug().Str("url", url).Msg("GET")
	c.throttle()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sec request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read sec response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sec request failed %d: %s", resp.StatusCode, truncate(string(body), 500))
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	body, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode sec json from %s: %w", url, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// CIKFromAccession extracts the 10-digit CIK prefix of a dashed accession
// number. The prefix is usually the filer's CIK, not always the issuer's.
func CIKFromAccession(accession string) string {
	part := strings.SplitN(strings.TrimSpace(accession), "-", 2)[0]
	var b strings.Builder
	for _, ch := range part {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	digits := b.String()
	if len(digits) >= 10 {
		return digits
	}
	return strings.Repeat("0", 10-len(digits)) + digits
}

// AccessionNoDash strips dashes from an accession number.
func AccessionNoDash(accession string) string {
	return strings.TrimSpace(strings.ReplaceAll(accession, "-", ""))
}

// cikPathComponent converts a 10-digit CIK to the integer form EDGAR archive
// paths use.
func cikPathComponent(cik10 string) string {
	n, err := strconv.ParseInt(cik10, 10, 64)
	if err != nil {
		return strings.TrimLeft(cik10, "0")
	}
	return strconv.FormatInt(n, 10)
}

func scanRecentBlock(recent recentBlock, acc string) (filingDate, formType string) {
	for i, a := range recent.AccessionNumber {
		if strings.TrimSpace(a) != acc {
			continue
		}
		if i < len(recent.FilingDate) {
			filingDate = recent.FilingDate[i]
		}
		if i < len(recent.Form) {
			formType = recent.Form[i]
		}
		return filingDate, formType
	}
	return "", ""
}

// FetchFilingMetadata resolves filing_date/form_type for an accession from
// the issuer submissions JSON. Older filings live in extra index files under
// filings.files; those are scanned lazily.
func (c *Client) FetchFilingMetadata(ctx context.Context, accession, issuerCIKHint string) (FilingMetadata, error) {
	acc := strings.TrimSpace(accession)
	issuerCIK := CIKFromAccession(acc)
	if hint := onlyDigitsPadded(issuerCIKHint); hint != "" {
		issuerCIK = hint
	}

	var data submissionsDoc
	url := fmt.Sprintf("https://data.sec.gov/submissions/CIK%s.json", issuerCIK)
	if err := c.getJSON(ctx, url, &data); err != nil {
		return FilingMetadata{}, err
	}

	filingDate, formType := scanRecentBlock(data.Filings.Recent, acc)

	if filingDate == "" && formType == "" {
		for _, f := range data.Filings.Files {
			name := strings.TrimSpace(f.Name)
			if name == "" {
				continue
			}
			var block submissionsDoc
			if err := c.getJSON(ctx, "https://data.sec.gov/submissions/"+name, &block); err != nil {
				// Skip bad blocks rather than failing the whole fetch.
				c.logger.Warn().Err(err).Str("block", name).Msg("skipping submissions block")
				continue
			}
			filingDate, formType = scanRecentBlock(block.Filings.Recent, acc)
			if filingDate != "" || formType != "" {
				break
			}
		}
	}

	return FilingMetadata{
		IssuerCIK:       issuerCIK,
		AccessionNumber: acc,
		FilingDate:      filingDate,
		FormType:        formType,
	}, nil
}

var (
	ownershipStart = regexp.MustCompile(`(?i)<ownershipdocument\b`)
	ownershipEnd   = regexp.MustCompile(`(?i)</ownershipdocument>`)
)

// extractOwnershipFragment pulls the <ownershipDocument> element out of a
// larger document (.txt submissions embed it alongside SGML headers).
func extractOwnershipFragment(text string) string {
	start := ownershipStart.FindStringIndex(text)
	if start == nil {
		return ""
	}
	end := ownershipEnd.FindStringIndex(text)
	if end == nil {
		return ""
	}
	if end[1] <= start[0] {
		return ""
	}
	return text[start[0]:end[1]]
}

// candidateScore ranks accession directory files by how likely they are to
// hold the ownershipDocument. Higher is better.
func candidateScore(name string) int {
	n := strings.ToLower(name)
	s := 0
	if strings.HasSuffix(n, ".xml") {
		s += 3
	}
	if strings.Contains(n, "ownership") {
		s += 4
	}
	if strings.Contains(n, "form") {
		s += 2
	}
	if strings.Contains(n, "4") {
		s++
	}
	if strings.HasSuffix(n, ".xsd") {
		s -= 5
	}
	return s
}

// FetchForm4XML fetches the ownershipDocument XML for an accession. The CIK
// hint is tried first, then the accession-prefix CIK. Returns the XML
// fragment and its source URL.
func (c *Client) FetchForm4XML(ctx context.Context, accession, issuerCIKHint string) (string, string, error) {
	acc := strings.TrimSpace(accession)

	var ciks []string
	if hint := onlyDigitsPadded(issuerCIKHint); hint != "" {
		ciks = append(ciks, hint)
	}
	if prefix := CIKFromAccession(acc); prefix != "" && (len(ciks) == 0 || ciks[0] != prefix) {
		ciks = append(ciks, prefix)
	}

	var lastErr error
	for _, cik10 := range ciks {
		xmlText, sourceURL, err := c.fetchForm4XMLForCIK(ctx, acc, cik10)
		if err == nil {
			return xmlText, sourceURL, nil
		}
		lastErr = err
	}
	return "", "", fmt.Errorf("could not fetch ownershipDocument for accession=%s: %w", acc, lastErr)
}

func (c *Client) fetchForm4XMLForCIK(ctx context.Context, acc, cik10 string) (string, string, error) {
	baseDir := fmt.Sprintf("https://www.sec.gov/Archives/edgar/data/%s/%s/",
		cikPathComponent(cik10), AccessionNoDash(acc))

	var idx indexDoc
	if err := c.getJSON(ctx, baseDir+"index.json", &idx); err != nil {
		return "", "", err
	}

	var candidates []string
	for _, it := range idx.Directory.Item {
		name := strings.TrimSpace(it.Name)
		n := strings.ToLower(name)
		if name == "" {
			continue
		}
		if strings.HasSuffix(n, ".xml") || strings.HasSuffix(n, ".txt") ||
			strings.HasSuffix(n, ".htm") || strings.HasSuffix(n, ".html") {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return "", "", fmt.Errorf("no XML/TXT/HTM files found in accession directory %sindex.json", baseDir)
	}

	// Stable sort: best score first, directory order as tiebreak.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidateScore(candidates[j]) > candidateScore(candidates[j-1]); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	var lastErr error
	for _, name := range candidates {
		url := baseDir + name
		body, err := c.get(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		if frag := extractOwnershipFragment(string(body)); frag != "" {
			c.logger.Debug().Str("file", name).Str("cik", cik10).Msg("selected ownershipDocument file")
			return frag, url, nil
		}
	}
	return "", "", fmt.Errorf("no ownershipDocument in accession directory %s: %w", baseDir, lastErr)
}

func onlyDigitsPadded(s string) string {
	var b strings.Builder
	for _, ch := range s {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if len(digits) >= 10 {
		return digits
	}
	return strings.Repeat("0", 10-len(digits)) + digits
}
