package europeana

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"musehub/searchservice/internal/domain"
	"musehub/searchservice/internal/providers/common"
)

const (
	defaultEndpoint  = "https://api.europeana.eu/record/v2"
	defaultUserAgent = "musehub-search/1.0"
	maxPageSize      = 100
)

type Config struct {
	Endpoint  string
	APIKey    string
	UserAgent string
	Client    *http.Client
}

type Provider struct {
	client    *http.Client
	endpoint  string
	apiKey    string
	userAgent string
}

type searchEnvelope struct {
	Success      bool      `json:"success"`
	Error        string    `json:"error"`
	TotalResults int       `json:"totalResults"`
	ItemsCount   int       `json:"itemsCount"`
	Items        []apiItem `json:"items"`
}

type apiItem struct {
	ID            string   `json:"id"`
	Title         []string `json:"title"`
	DcCreator     []string `json:"dcCreator"`
	DcDescription []string `json:"dcDescription"`
	DataProvider  []string `json:"dataProvider"`
	EdmPreview    []string `json:"edmPreview"`
	EdmIsShownBy  []string `json:"edmIsShownBy"`
	EdmIsShownAt  []string `json:"edmIsShownAt"`
	Year          []string `json:"year"`
	Country       []string `json:"country"`
}

type recordEnvelope struct {
	Success bool         `json:"success"`
	Error   string       `json:"error"`
	Object  recordObject `json:"object"`
}

type recordObject struct {
	About                string         `json:"about"`
	Title                []string       `json:"title"`
	Proxies              []recordProxy  `json:"proxies"`
	Aggregations         []aggregation  `json:"aggregations"`
	EuropeanaAggregation eurAggregation `json:"europeanaAggregation"`
}

// Proxy fields are language-keyed maps, e.g. {"def": [...], "en": [...]}.
type recordProxy struct {
	DcCreator     map[string][]string `json:"dcCreator"`
	DcDescription map[string][]string `json:"dcDescription"`
	DcDate        map[string][]string `json:"dcDate"`
	DcIdentifier  map[string][]string `json:"dcIdentifier"`
}

type aggregation struct {
	EdmIsShownBy    string              `json:"edmIsShownBy"`
	EdmIsShownAt    string              `json:"edmIsShownAt"`
	EdmObject       string              `json:"edmObject"`
	EdmDataProvider map[string][]string `json:"edmDataProvider"`
}

type eurAggregation struct {
	EdmPreview string `json:"edmPreview"`
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Provider{
		client:    client,
		endpoint:  strings.TrimRight(endpoint, "/"),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		userAgent: userAgent,
	}
}

func (p *Provider) Name() domain.SourceID {
	return domain.SourceEuropeana
}

func (p *Provider) Info() domain.SourceInfo {
	return domain.SourceInfo{
		Name:     p.Name(),
		Label:    "Europeana",
		Endpoint: p.endpoint,
		PageSize: maxPageSize,
		Enabled:  p.apiKey != "",
	}
}

func (p *Provider) DefaultPageSize() int {
	return maxPageSize
}

func (p *Provider) FetchPage(ctx context.Context, query string, offset, pageSize int) (domain.Page, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.Page{}, domain.NewSourceError(p.Name(), domain.FailureValidation, fmt.Errorf("query is required"))
	}
	if offset < 0 || pageSize < 1 {
		return domain.Page{}, domain.NewSourceError(p.Name(), domain.FailureValidation,
			fmt.Errorf("invalid page window: offset=%d rows=%d", offset, pageSize))
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	// Europeana's start parameter is 1-based.
	params := url.Values{
		"wskey":   {p.apiKey},
		"query":   {query},
		"start":   {fmt.Sprintf("%d", offset+1)},
		"rows":    {fmt.Sprintf("%d", pageSize)},
		"profile": {"rich"},
	}

	payload, err := p.get(ctx, p.endpoint+"/search.json?"+params.Encode())
	if err != nil {
		return domain.Page{}, err
	}

	var envelope searchEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return domain.Page{}, domain.NewSourceError(p.Name(), domain.FailureAPI,
			fmt.Errorf("decode search response: %w", err))
	}
	if !envelope.Success {
		return domain.Page{}, domain.NewSourceError(p.Name(), domain.FailureAPI,
			fmt.Errorf("search rejected: %s", firstNonEmpty(envelope.Error, "unknown upstream error")))
	}

	items := make([]domain.ResultItem, 0, len(envelope.Items))
	for _, entry := range envelope.Items {
		item, ok := p.toItem(entry)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return domain.Page{Total: envelope.TotalResults, Items: items}, nil
}

func (p *Provider) FetchItem(ctx context.Context, id string) (*domain.ResultItem, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.NewSourceError(p.Name(), domain.FailureValidation, fmt.Errorf("item id is required"))
	}
	// Record ids are paths like /9200579/abc and become part of the URL.
	if !strings.HasPrefix(id, "/") {
		id = "/" + id
	}

	params := url.Values{"wskey": {p.apiKey}}
	payload, err := p.get(ctx, p.endpoint+id+".json?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var envelope recordEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.NewSourceError(p.Name(), domain.FailureAPI,
			fmt.Errorf("decode record response: %w", err))
	}
	if !envelope.Success || strings.TrimSpace(envelope.Object.About) == "" {
		return nil, domain.NewSourceError(p.Name(), domain.FailureNotFound,
			fmt.Errorf("record %q not found", id))
	}

	item := p.adaptRecord(envelope.Object)
	return &item, nil
}

func (p *Provider) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, domain.ClassifyError(p.Name(), err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, domain.ClassifyError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
		return nil, domain.ClassifyStatus(p.Name(), resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, domain.ClassifyError(p.Name(), err)
	}
	return payload, nil
}

func (p *Provider) toItem(entry apiItem) (domain.ResultItem, bool) {
	id := strings.TrimSpace(entry.ID)
	thumbnail := common.First(entry.EdmPreview)
	if id == "" || thumbnail == "" {
		return domain.ResultItem{}, false
	}

	title := common.CleanHTMLText(common.First(entry.Title))
	if title == "" {
		title = "Untitled"
	}

	media := domain.MediaLinks{
		Thumbnail: thumbnail,
		Primary:   common.First(entry.EdmIsShownBy),
		Full:      common.First(entry.EdmIsShownAt),
	}

	metadata := map[string]string{}
	if creator := common.JoinValues(entry.DcCreator, 3); creator != "" {
		metadata["creator"] = creator
	}
	if description := common.CleanHTMLText(common.First(entry.DcDescription)); description != "" {
		metadata["description"] = common.Truncate(description, 500)
	}
	if country := common.JoinValues(entry.Country, 2); country != "" {
		metadata["country"] = country
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return domain.ResultItem{
		ID:          id,
		Source:      p.Name(),
		Title:       title,
		Institution: common.First(entry.DataProvider),
		Media:       media,
		DateCreated: common.First(entry.Year),
		Metadata:    metadata,
	}, true
}

func (p *Provider) adaptRecord(object recordObject) domain.ResultItem {
	title := common.CleanHTMLText(common.First(object.Title))
	if title == "" {
		title = "Untitled"
	}

	media := domain.MediaLinks{Thumbnail: strings.TrimSpace(object.EuropeanaAggregation.EdmPreview)}
	institution := ""
	for _, agg := range object.Aggregations {
		if media.Primary == "" {
			media.Primary = strings.TrimSpace(firstNonEmpty(agg.EdmIsShownBy, agg.EdmObject))
		}
		if media.Full == "" {
			media.Full = strings.TrimSpace(agg.EdmIsShownAt)
		}
		if institution == "" {
			institution = langValue(agg.EdmDataProvider)
		}
	}

	metadata := map[string]string{}
	dateCreated := ""
	for _, proxy := range object.Proxies {
		if creator := langValue(proxy.DcCreator); creator != "" && metadata["creator"] == "" {
			metadata["creator"] = creator
		}
		if description := langValue(proxy.DcDescription); description != "" && metadata["description"] == "" {
			metadata["description"] = common.Truncate(common.CleanHTMLText(description), 500)
		}
		if identifier := langValue(proxy.DcIdentifier); identifier != "" && metadata["identifier"] == "" {
			metadata["identifier"] = identifier
		}
		if date := langValue(proxy.DcDate); date != "" && dateCreated == "" {
			dateCreated = date
		}
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return domain.ResultItem{
		ID:          strings.TrimSpace(object.About),
		Source:      p.Name(),
		Title:       title,
		Institution: institution,
		Media:       media,
		DateCreated: dateCreated,
		Metadata:    metadata,
	}
}

// langValue picks a display value from a language-keyed map, preferring
// English, then the untagged "def" bucket, then anything.
func langValue(values map[string][]string) string {
	for _, lang := range []string{"en", "def"} {
		if value := common.First(values[lang]); value != "" {
			return value
		}
	}
	for _, bucket := range values {
		if value := common.First(bucket); value != "" {
			return value
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
