package parser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/aluiziolira/stockwatch/models"
)

// productPage builds an HTML page large enough to pass the error-shell size
// gate, with an optional __NEXT_DATA__ blob and arbitrary body text.
func productPage(nextData, body string) []byte {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>page</title></head><body>")
	if nextData != "" {
		fmt.Fprintf(&b, `<script id="__NEXT_DATA__" type="application/json">%s</script>`, nextData)
	}
	b.WriteString(body)
	b.WriteString(strings.Repeat("<!-- pad -->", 50))
	b.WriteString("</body></html>")
	return []byte(b.String())
}

func availabilityJSON(title string, statuses ...string) string {
	entries := make([]string, 0, len(statuses))
	for _, s := range statuses {
		entries = append(entries, fmt.Sprintf(`{"pstat":%q}`, s))
	}
	return fmt.Sprintf(
		`{"props":{"pageProps":{"productDetails":{"children":[{"p_desc":%q,"store_availability":[%s]}]}}},"buildId":"abc123"}`,
		title, strings.Join(entries, ","),
	)
}

func TestParseProductURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantID   string
		wantSlug string
		wantErr  bool
	}{
		{
			name:     "canonical product url",
			url:      "https://www.bigbasket.com/pd/40310482/amul-butter-500g/",
			wantID:   "40310482",
			wantSlug: "amul-butter-500g",
		},
		{
			name:     "query string stripped from slug",
			url:      "https://www.bigbasket.com/pd/123456/thing?src=search",
			wantID:   "123456",
			wantSlug: "thing",
		},
		{
			name:    "category url rejected",
			url:     "https://www.bigbasket.com/cl/fruits-vegetables/",
			wantErr: true,
		},
		{
			name:    "non numeric id rejected",
			url:     "https://www.bigbasket.com/pd/abc/thing/",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			product, err := ParseProductURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseProductURL(%q) = %+v, want error", tt.url, product)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseProductURL(%q) = %v", tt.url, err)
			}
			if product.ID != tt.wantID || product.Slug != tt.wantSlug {
				t.Fatalf("ParseProductURL(%q) = {ID:%q Slug:%q}, want {ID:%q Slug:%q}",
					tt.url, product.ID, product.Slug, tt.wantID, tt.wantSlug)
			}
			if product.URL != tt.url {
				t.Fatalf("original URL not preserved: %q", product.URL)
			}
		})
	}
}

func TestParseStockStructured(t *testing.T) {
	tests := []struct {
		name      string
		html      []byte
		want      models.Verdict
		wantTitle string
	}{
		{
			name:      "any store available means in stock",
			html:      productPage(availabilityJSON("Amul Butter", "O", "A", "O"), ""),
			want:      models.VerdictInStock,
			wantTitle: "Amul Butter",
		},
		{
			name:      "all stores out means out of stock",
			html:      productPage(availabilityJSON("Amul Butter", "O", "O"), ""),
			want:      models.VerdictOutOfStock,
			wantTitle: "Amul Butter",
		},
		{
			name: "mixed non-standard statuses stay unknown",
			html: productPage(availabilityJSON("Amul Butter", "O", "X"), ""),
			want: models.VerdictUnknown,
		},
		{
			name: "empty availability list stays unknown",
			html: productPage(availabilityJSON("Amul Butter"), ""),
			want: models.VerdictUnknown,
		},
		{
			// A store entry without a pstat is inconclusive evidence; the
			// remaining "O" entries must not be read as all-out.
			name: "entry without status stays unknown",
			html: productPage(`{"props":{"pageProps":{"productDetails":{"children":[{"p_desc":"Amul Butter","store_availability":[{"pstat":"O"},{}]}]}}}}`, ""),
			want: models.VerdictUnknown,
		},
		{
			// The page still carries the CTA markup; the structured signal
			// must not be overridden by it.
			name:      "structured out of stock wins over textual add to basket",
			html:      productPage(availabilityJSON("Amul Butter", "O"), `<button>Add to basket</button>`),
			want:      models.VerdictOutOfStock,
			wantTitle: "Amul Butter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, title := ParseStock(tt.html)
			if got != tt.want {
				t.Fatalf("ParseStock() = %q, want %q", got, tt.want)
			}
			if tt.wantTitle != "" && title != tt.wantTitle {
				t.Fatalf("title = %q, want %q", title, tt.wantTitle)
			}
		})
	}
}

func TestParseStockTextualFallback(t *testing.T) {
	tests := []struct {
		name string
		body string
		want models.Verdict
	}{
		{name: "notify me", body: `<button>Notify Me</button>`, want: models.VerdictOutOfStock},
		{name: "out of stock banner", body: `<span>Out of Stock</span>`, want: models.VerdictOutOfStock},
		{name: "currently unavailable", body: `<p>Currently unavailable in your area</p>`, want: models.VerdictOutOfStock},
		{name: "add to basket", body: `<button>Add to basket</button>`, want: models.VerdictInStock},
		{name: "buy now", body: `<button>BUY NOW</button>`, want: models.VerdictInStock},
		{name: "no affordance", body: `<p>Product description only.</p>`, want: models.VerdictUnknown},
		{
			// A disabled basket button often stays in the markup next to the
			// notify prompt; the out-of-stock reading wins.
			name: "notify me beats add to basket",
			body: `<button>Add to basket</button><button>Notify me</button>`,
			want: models.VerdictOutOfStock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := ParseStock(productPage("", tt.body))
			if got != tt.want {
				t.Fatalf("ParseStock() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseStockShortPageIsUnknown(t *testing.T) {
	got, _ := ParseStock([]byte("<html><body>error</body></html>"))
	if got != models.VerdictUnknown {
		t.Fatalf("ParseStock(short page) = %q, want unknown", got)
	}
}

func TestParseStockMalformedNextDataFallsThrough(t *testing.T) {
	html := productPage(`{"props": broken`, `<button>Add to basket</button>`)
	got, _ := ParseStock(html)
	if got != models.VerdictInStock {
		t.Fatalf("ParseStock(broken JSON + CTA) = %q, want in_stock", got)
	}
}

func TestParsePageProps(t *testing.T) {
	payload := []byte(`{"pageProps":{"productDetails":{"children":[{"p_desc":"Amul Butter","store_availability":[{"pstat":"A"}]}]}}}`)
	verdict, title := ParsePageProps(payload)
	if verdict != models.VerdictInStock {
		t.Fatalf("ParsePageProps() = %q, want in_stock", verdict)
	}
	if title != "Amul Butter" {
		t.Fatalf("title = %q, want Amul Butter", title)
	}

	// Without the pageProps wrapper the document root is searched.
	bare := []byte(`{"productDetails":{"children":[{"store_availability":[{"pstat":"O"}]}]}}`)
	verdict, _ = ParsePageProps(bare)
	if verdict != models.VerdictOutOfStock {
		t.Fatalf("ParsePageProps(bare) = %q, want out_of_stock", verdict)
	}

	// An availability entry missing its status leaves the payload
	// inconclusive even when every other entry reads "O".
	partial := []byte(`{"pageProps":{"product":{"store_availability":[{"pstat":"O"},{}]}}}`)
	verdict, _ = ParsePageProps(partial)
	if verdict != models.VerdictUnknown {
		t.Fatalf("ParsePageProps(partial statuses) = %q, want unknown", verdict)
	}

	verdict, _ = ParsePageProps([]byte("not json"))
	if verdict != models.VerdictUnknown {
		t.Fatalf("ParsePageProps(garbage) = %q, want unknown", verdict)
	}
}

func TestBuildID(t *testing.T) {
	fromNextData := productPage(availabilityJSON("x", "A"), "")
	if got := BuildID(fromNextData); got != "abc123" {
		t.Fatalf("BuildID(next data) = %q, want abc123", got)
	}

	fromLink := productPage("", `<link href="/_next/data/xYz-42/pd/1/a.json">`)
	if got := BuildID(fromLink); got != "xYz-42" {
		t.Fatalf("BuildID(link) = %q, want xYz-42", got)
	}

	if got := BuildID(productPage("", "<p>nothing</p>")); got != "" {
		t.Fatalf("BuildID(none) = %q, want empty", got)
	}
}

func TestFindStockDepthLimit(t *testing.T) {
	// Availability buried deeper than the hunt limit must not be found.
	inner := `{"store_availability":[{"pstat":"A"}]}`
	for i := 0; i < 12; i++ {
		inner = fmt.Sprintf(`{"level%d":%s}`, i, inner)
	}
	verdict, _ := ParsePageProps([]byte(inner))
	if verdict != models.VerdictUnknown {
		t.Fatalf("deeply nested availability = %q, want unknown", verdict)
	}
}
