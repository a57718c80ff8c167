package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/util"
)

// headerCellSelector skips the row and column label cells Google adds to
// published sheets.
const headerCellSelector = "th:not(.row-headers-background):not(.column-headers-background)"

// HTMLTableConfig describes a page with a deals table, such as a sheet
// published to the web as HTML.
type HTMLTableConfig struct {
	URL            string
	AllowedDomains []string
	// TableSelector picks the table; the first match is read. Defaults to "table".
	TableSelector string
	HTTPClient    *http.Client
}

// HTMLTable scrapes one table. The first row with cells is the header.
type HTMLTable struct {
	httpClient *http.Client
	cfg        HTMLTableConfig
}

func NewHTMLTable(cfg HTMLTableConfig) *HTMLTable {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.TableSelector == "" {
		cfg.TableSelector = "table"
	}
	return &HTMLTable{httpClient: client, cfg: cfg}
}

func (h *HTMLTable) FetchRawDeals(ctx context.Context) ([]models.RawRecord, error) {
	doc, err := h.fetchHTMLContent(ctx)
	if err != nil {
		return nil, err
	}

	table := doc.Find(h.cfg.TableSelector).First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("no '%s' element found on %s. Potential page structure change", h.cfg.TableSelector, h.cfg.URL)
	}

	var keys []string
	var records []models.RawRecord
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Children().Filter("td")
		if cells.Length() == 0 && keys == nil {
			cells = tr.Children().Filter(headerCellSelector)
		}
		if cells.Length() == 0 {
			return
		}

		texts := make([]string, 0, cells.Length())
		cells.Each(func(_ int, c *goquery.Selection) {
			texts = append(texts, strings.TrimSpace(c.Text()))
		})

		if keys == nil {
			keys = headerKeys(texts)
			return
		}
		if rec, ok := rowToRecord(keys, stringCells(texts)); ok {
			records = append(records, rec)
		}
	})

	if keys == nil {
		return nil, fmt.Errorf("table on %s has no header row", h.cfg.URL)
	}
	slog.Info("Scraped HTML table", "url", h.cfg.URL, "records", len(records))
	return records, nil
}

// fetchHTMLContent downloads the page and decodes it to UTF-8 using the
// response's declared or sniffed charset.
func (h *HTMLTable) fetchHTMLContent(ctx context.Context) (*goquery.Document, error) {
	parsedURL, err := util.ValidateFetchURL(h.cfg.URL, h.cfg.AllowedDomains)
	if err != nil {
		return nil, util.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsedURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for URL %s: %w", h.cfg.URL, err)
	}

	res, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL %s: %w", h.cfg.URL, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		err := fmt.Errorf("failed to fetch URL %s: status code %d", h.cfg.URL, res.StatusCode)
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return nil, util.Permanent(err)
		}
		return nil, err
	}

	body, err := charset.NewReader(res.Body, res.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode body of %s: %w", h.cfg.URL, err)
	}
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML from %s: %w", h.cfg.URL, err)
	}
	return doc, nil
}
