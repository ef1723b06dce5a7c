package smithsonian

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"musehub/searchservice/internal/domain"
)

const searchFixture = `{
  "status": 200,
  "response": {
    "rowCount": 2407,
    "rows": [
      {
        "id": "edanmdm-nmah_1096762",
        "title": "Ceramic <b>Vase</b>",
        "content": {
          "descriptiveNonRepeating": {
            "record_ID": "nmah_1096762",
            "data_source": "National Museum of American History",
            "online_media": {
              "mediaCount": 1,
              "media": [
                {
                  "thumbnail": "https://ids.si.edu/ids/deliveryService?id=NMAH-123&max=150",
                  "content": "https://ids.si.edu/ids/deliveryService?id=NMAH-123",
                  "idsId": "NMAH-123"
                }
              ]
            }
          },
          "freetext": {
            "date": [{"label": "Date made", "content": "1875"}],
            "name": [{"label": "maker", "content": "Acme Pottery"}],
            "notes": [{"label": "Description", "content": "A glazed &amp; painted earthenware vase."}],
            "place": [{"label": "place made", "content": "United States"}]
          }
        }
      },
      {
        "id": "edanmdm-nmnh_999",
        "title": "Record Without Media",
        "content": {
          "descriptiveNonRepeating": {
            "record_ID": "nmnh_999",
            "data_source": "NMNH",
            "online_media": {"mediaCount": 0, "media": []}
          },
          "freetext": {}
        }
      }
    ]
  }
}`

// ---------------------------------------------------------------------------
// FetchPage
// ---------------------------------------------------------------------------

func TestFetchPageHappyPath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		query := r.URL.Query()
		if query.Get("api_key") != "test-key" {
			t.Errorf("unexpected api_key: %s", query.Get("api_key"))
		}
		if query.Get("q") != "vases" {
			t.Errorf("unexpected q: %s", query.Get("q"))
		}
		if query.Get("start") != "40" {
			t.Errorf("unexpected start: %s", query.Get("start"))
		}
		if query.Get("rows") != "20" {
			t.Errorf("unexpected rows: %s", query.Get("rows"))
		}
		w.Write([]byte(searchFixture))
	}))
	defer ts.Close()

	p := NewProvider(Config{Endpoint: ts.URL, APIKey: "test-key"})
	page, err := p.FetchPage(context.Background(), "vases", 40, 20)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}

	if page.Total != 2407 {
		t.Fatalf("expected total 2407, got %d", page.Total)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 item after thumbnail filtering, got %d", len(page.Items))
	}

	item := page.Items[0]
	if item.ID != "edanmdm-nmah_1096762" {
		t.Fatalf("unexpected id: %s", item.ID)
	}
	if item.Source != domain.SourceSmithsonian {
		t.Fatalf("unexpected source: %s", item.Source)
	}
	if item.Title != "Ceramic Vase" {
		t.Fatalf("expected markup stripped from title, got %q", item.Title)
	}
	if item.Institution != "National Museum of American History" {
		t.Fatalf("unexpected institution: %s", item.Institution)
	}
	if !strings.Contains(item.Media.Thumbnail, "max=150") {
		t.Fatalf("unexpected thumbnail: %s", item.Media.Thumbnail)
	}
	if item.Media.Primary == "" || item.Media.Full != item.Media.Primary {
		t.Fatalf("unexpected media links: %#v", item.Media)
	}
	if item.DateCreated != "1875" {
		t.Fatalf("unexpected date: %s", item.DateCreated)
	}
	if item.Metadata["creator"] != "Acme Pottery" {
		t.Fatalf("unexpected creator: %q", item.Metadata["creator"])
	}
	if item.Metadata["description"] != "A glazed & painted earthenware vase." {
		t.Fatalf("expected entities decoded in description, got %q", item.Metadata["description"])
	}
	if item.Metadata["place"] != "United States" {
		t.Fatalf("unexpected place: %q", item.Metadata["place"])
	}
	if item.Metadata["recordId"] != "nmah_1096762" {
		t.Fatalf("unexpected recordId: %q", item.Metadata["recordId"])
	}
}

func TestFetchPageValidationSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	p := NewProvider(Config{Endpoint: ts.URL, APIKey: "k"})

	if _, err := p.FetchPage(context.Background(), "   ", 0, 10); !domain.IsKind(err, domain.FailureValidation) {
		t.Fatalf("expected validation failure for empty query, got %v", err)
	}
	if _, err := p.FetchPage(context.Background(), "vases", -1, 10); !domain.IsKind(err, domain.FailureValidation) {
		t.Fatalf("expected validation failure for negative offset, got %v", err)
	}
	if _, err := p.FetchPage(context.Background(), "vases", 0, 0); !domain.IsKind(err, domain.FailureValidation) {
		t.Fatalf("expected validation failure for zero page size, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("validation failures must not reach the network, got %d requests", hits.Load())
	}
}

func TestFetchPageClampsPageSize(t *testing.T) {
	var capturedRows string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedRows = r.URL.Query().Get("rows")
		w.Write([]byte(`{"status":200,"response":{"rowCount":0,"rows":[]}}`))
	}))
	defer ts.Close()

	p := NewProvider(Config{Endpoint: ts.URL, APIKey: "k"})
	if _, err := p.FetchPage(context.Background(), "vases", 0, 5000); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if capturedRows != "1000" {
		t.Fatalf("expected rows clamped to 1000, got %s", capturedRows)
	}
}

func TestFetchPageStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   domain.FailureKind
	}{
		{http.StatusTooManyRequests, domain.FailureRateLimit},
		{http.StatusNotFound, domain.FailureNotFound},
		{http.StatusInternalServerError, domain.FailureAPI},
		{http.StatusBadGateway, domain.FailureAPI},
	}
	for _, tc := range cases {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		p := NewProvider(Config{Endpoint: ts.URL, APIKey: "k"})
		_, err := p.FetchPage(context.Background(), "vases", 0, 10)
		ts.Close()
		if !domain.IsKind(err, tc.kind) {
			t.Fatalf("HTTP %d: expected %s failure, got %v", tc.status, tc.kind, err)
		}
	}
}

func TestFetchPageMalformedPayload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":200,"response":`))
	}))
	defer ts.Close()

	p := NewProvider(Config{Endpoint: ts.URL, APIKey: "k"})
	_, err := p.FetchPage(context.Background(), "vases", 0, 10)
	if !domain.IsKind(err, domain.FailureAPI) {
		t.Fatalf("expected api failure for malformed payload, got %v", err)
	}
}

func TestFetchPageContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProvider(Config{Endpoint: ts.URL, APIKey: "k"})
	_, err := p.FetchPage(ctx, "vases", 0, 10)
	if !domain.IsKind(err, domain.FailureCancelled) {
		t.Fatalf("expected cancelled failure, got %v", err)
	}
}

func TestFetchPageUnreachableEndpoint(t *testing.T) {
	p := NewProvider(Config{
		Endpoint: "http://192.0.2.1:1",
		APIKey:   "k",
		Client:   &http.Client{Timeout: 100 * time.Millisecond},
	})
	_, err := p.FetchPage(context.Background(), "vases", 0, 10)
	if err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
	kind := domain.KindOf(err)
	if kind != domain.FailureNetwork && kind != domain.FailureTimeout {
		t.Fatalf("expected network or timeout failure, got %q", kind)
	}
}

func TestFetchPageSetsUserAgent(t *testing.T) {
	var capturedUA string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUA = r.Header.Get("User-Agent")
		w.Write([]byte(`{"status":200,"response":{"rowCount":0,"rows":[]}}`))
	}))
	defer ts.Close()

	p := NewProvider(Config{Endpoint: ts.URL, APIKey: "k", UserAgent: "custom-agent/2.0"})
	_, _ = p.FetchPage(context.Background(), "vases", 0, 10)
	if capturedUA != "custom-agent/2.0" {
		t.Fatalf("expected custom user-agent, got %q", capturedUA)
	}
}

// ---------------------------------------------------------------------------
// FetchItem
// ---------------------------------------------------------------------------

func TestFetchItemHappyPath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/content/edanmdm-nmah_1096762" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("api_key") != "test-key" {
			t.Errorf("unexpected api_key: %s", r.URL.Query().Get("api_key"))
		}
		w.Write([]byte(`{
  "status": 200,
  "response": {
    "id": "edanmdm-nmah_1096762",
    "title": "Ceramic Vase",
    "content": {
      "descriptiveNonRepeating": {
        "record_ID": "nmah_1096762",
        "data_source": "National Museum of American History",
        "online_media": {"mediaCount": 0, "media": []}
      },
      "freetext": {
        "name": [{"label": "maker", "content": "Acme Pottery"}]
      }
    }
  }
}`))
	}))
	defer ts.Close()

	p := NewProvider(Config{Endpoint: ts.URL, APIKey: "test-key"})
	item, err := p.FetchItem(context.Background(), "edanmdm-nmah_1096762")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if item.ID != "edanmdm-nmah_1096762" || item.Title != "Ceramic Vase" {
		t.Fatalf("unexpected item: %#v", item)
	}
	// Details render without media, so the thumbnail filter does not apply.
	if item.Media.HasThumbnail() {
		t.Fatalf("expected no media, got %#v", item.Media)
	}
	if item.Metadata["creator"] != "Acme Pottery" {
		t.Fatalf("unexpected creator: %q", item.Metadata["creator"])
	}
}

func TestFetchItemNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":200,"response":{}}`))
	}))
	defer ts.Close()

	p := NewProvider(Config{Endpoint: ts.URL, APIKey: "k"})
	_, err := p.FetchItem(context.Background(), "edanmdm-gone")
	if !domain.IsKind(err, domain.FailureNotFound) {
		t.Fatalf("expected not_found failure, got %v", err)
	}
}

func TestFetchItemUpstream404(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	p := NewProvider(Config{Endpoint: ts.URL, APIKey: "k"})
	_, err := p.FetchItem(context.Background(), "edanmdm-gone")
	if !domain.IsKind(err, domain.FailureNotFound) {
		t.Fatalf("expected not_found failure, got %v", err)
	}
}

func TestFetchItemEmptyID(t *testing.T) {
	p := NewProvider(Config{APIKey: "k"})
	_, err := p.FetchItem(context.Background(), "   ")
	if !domain.IsKind(err, domain.FailureValidation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Adapting
// ---------------------------------------------------------------------------

func TestAdaptRowFallbacks(t *testing.T) {
	p := NewProvider(Config{APIKey: "k"})
	item := p.adaptRow(apiRow{
		ID: "edanmdm-bare",
		Content: rowContent{
			DescriptiveNonRepeating: descriptive{
				OnlineMedia: onlineMedia{Media: []mediaEntry{{Thumbnail: "https://ids.si.edu/thumb.jpg"}}},
			},
		},
	})

	if item.Title != "Untitled" {
		t.Fatalf("expected title fallback, got %q", item.Title)
	}
	if item.Institution != "Smithsonian Institution" {
		t.Fatalf("expected institution fallback, got %q", item.Institution)
	}
	if item.Media.Primary != "" || item.Media.Full != "" {
		t.Fatalf("expected no primary media, got %#v", item.Media)
	}
	if item.Metadata != nil {
		t.Fatalf("expected no metadata, got %#v", item.Metadata)
	}
}

func TestToItemFilters(t *testing.T) {
	p := NewProvider(Config{APIKey: "k"})

	if _, ok := p.toItem(apiRow{ID: "has-id"}); ok {
		t.Fatal("rows without a thumbnail must be dropped")
	}
	if _, ok := p.toItem(apiRow{
		Content: rowContent{DescriptiveNonRepeating: descriptive{
			OnlineMedia: onlineMedia{Media: []mediaEntry{{Thumbnail: "https://x/t.jpg"}}},
		}},
	}); ok {
		t.Fatal("rows without an id must be dropped")
	}
}

func TestInfo(t *testing.T) {
	withKey := NewProvider(Config{APIKey: "k"})
	info := withKey.Info()
	if info.Name != domain.SourceSmithsonian {
		t.Fatalf("unexpected name: %s", info.Name)
	}
	if info.Label != "Smithsonian Open Access" {
		t.Fatalf("unexpected label: %s", info.Label)
	}
	if !info.Enabled {
		t.Fatal("expected enabled with an api key")
	}
	if info.PageSize != 1000 {
		t.Fatalf("unexpected page size: %d", info.PageSize)
	}

	if NewProvider(Config{}).Info().Enabled {
		t.Fatal("expected disabled without an api key")
	}
}
