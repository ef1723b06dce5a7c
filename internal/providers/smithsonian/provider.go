package smithsonian

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
	defaultEndpoint  = "https://api.si.edu/openaccess/api/v1.0"
	defaultUserAgent = "musehub-search/1.0"
	maxPageSize      = 1000
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
	Status   int        `json:"status"`
	Response searchBody `json:"response"`
}

type searchBody struct {
	Rows     []apiRow `json:"rows"`
	RowCount int      `json:"rowCount"`
	Message  string   `json:"message"`
}

type contentEnvelope struct {
	Status   int    `json:"status"`
	Response apiRow `json:"response"`
}

type apiRow struct {
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Content rowContent `json:"content"`
}

type rowContent struct {
	DescriptiveNonRepeating descriptive `json:"descriptiveNonRepeating"`
	FreeText                freeText    `json:"freetext"`
}

type descriptive struct {
	RecordID    string      `json:"record_ID"`
	DataSource  string      `json:"data_source"`
	OnlineMedia onlineMedia `json:"online_media"`
}

type onlineMedia struct {
	MediaCount int          `json:"mediaCount"`
	Media      []mediaEntry `json:"media"`
}

type mediaEntry struct {
	Thumbnail string `json:"thumbnail"`
	Content   string `json:"content"`
	IDSID     string `json:"idsId"`
}

type freeText struct {
	Date                []labeledText `json:"date"`
	Name                []labeledText `json:"name"`
	Notes               []labeledText `json:"notes"`
	PhysicalDescription []labeledText `json:"physicalDescription"`
	Place               []labeledText `json:"place"`
	Identifier          []labeledText `json:"identifier"`
}

type labeledText struct {
	Label   string `json:"label"`
	Content string `json:"content"`
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
	return domain.SourceSmithsonian
}

func (p *Provider) Info() domain.SourceInfo {
	return domain.SourceInfo{
		Name:     p.Name(),
		Label:    "Smithsonian Open Access",
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

	params := url.Values{
		"api_key": {p.apiKey},
		"q":       {query},
		"start":   {fmt.Sprintf("%d", offset)},
		"rows":    {fmt.Sprintf("%d", pageSize)},
	}

	payload, err := p.get(ctx, p.endpoint+"/search?"+params.Encode())
	if err != nil {
		return domain.Page{}, err
	}

	var envelope searchEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return domain.Page{}, domain.NewSourceError(p.Name(), domain.FailureAPI,
			fmt.Errorf("decode search response: %w", err))
	}

	items := make([]domain.ResultItem, 0, len(envelope.Response.Rows))
	for _, row := range envelope.Response.Rows {
		item, ok := p.toItem(row)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return domain.Page{Total: envelope.Response.RowCount, Items: items}, nil
}

func (p *Provider) FetchItem(ctx context.Context, id string) (*domain.ResultItem, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.NewSourceError(p.Name(), domain.FailureValidation, fmt.Errorf("item id is required"))
	}

	params := url.Values{"api_key": {p.apiKey}}
	payload, err := p.get(ctx, p.endpoint+"/content/"+url.PathEscape(id)+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var envelope contentEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.NewSourceError(p.Name(), domain.FailureAPI,
			fmt.Errorf("decode content response: %w", err))
	}
	if strings.TrimSpace(envelope.Response.ID) == "" {
		return nil, domain.NewSourceError(p.Name(), domain.FailureNotFound,
			fmt.Errorf("record %q not found", id))
	}

	// Detail lookups skip the thumbnail filter: the id came from an already
	// filtered result list and the detail view renders without one.
	item := p.adaptRow(envelope.Response)
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

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, domain.ClassifyError(p.Name(), err)
	}
	return payload, nil
}

// toItem adapts one row and reports whether it survives the thumbnail filter.
func (p *Provider) toItem(row apiRow) (domain.ResultItem, bool) {
	item := p.adaptRow(row)
	if item.ID == "" || !item.Media.HasThumbnail() {
		return domain.ResultItem{}, false
	}
	return item, true
}

func (p *Provider) adaptRow(row apiRow) domain.ResultItem {
	descriptive := row.Content.DescriptiveNonRepeating
	free := row.Content.FreeText

	media := domain.MediaLinks{}
	if len(descriptive.OnlineMedia.Media) > 0 {
		entry := descriptive.OnlineMedia.Media[0]
		media.Thumbnail = strings.TrimSpace(entry.Thumbnail)
		media.Primary = strings.TrimSpace(entry.Content)
		if media.Primary != "" {
			media.Full = media.Primary
		}
	}

	title := common.CleanHTMLText(row.Title)
	if title == "" {
		title = "Untitled"
	}

	metadata := map[string]string{}
	if creator := labeledValues(free.Name, 3); creator != "" {
		metadata["creator"] = creator
	}
	if notes := labeledValues(free.Notes, 1); notes != "" {
		metadata["description"] = common.Truncate(notes, 500)
	}
	if physical := labeledValues(free.PhysicalDescription, 2); physical != "" {
		metadata["physicalDescription"] = physical
	}
	if place := labeledValues(free.Place, 2); place != "" {
		metadata["place"] = place
	}
	if identifier := labeledValues(free.Identifier, 1); identifier != "" {
		metadata["identifier"] = identifier
	}
	if descriptive.RecordID != "" {
		metadata["recordId"] = descriptive.RecordID
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	institution := strings.TrimSpace(descriptive.DataSource)
	if institution == "" {
		institution = "Smithsonian Institution"
	}

	return domain.ResultItem{
		ID:          strings.TrimSpace(row.ID),
		Source:      p.Name(),
		Title:       title,
		Institution: institution,
		Media:       media,
		DateCreated: labeledValues(free.Date, 1),
		Metadata:    metadata,
	}
}

func labeledValues(entries []labeledText, max int) string {
	values := make([]string, 0, len(entries))
	for _, entry := range entries {
		values = append(values, common.CleanHTMLText(entry.Content))
	}
	return common.JoinValues(values, max)
}
