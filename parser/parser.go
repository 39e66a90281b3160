// Package parser classifies raw product-page content into a stock verdict.
//
// Two extraction paths run in order and the first confident signal wins:
// the embedded Next.js structured data, then textual call-to-action
// affordances. They are never merged: conflicting heuristics must not
// average into a wrong answer. When neither path matches the verdict is
// unknown, not out_of_stock — an unrecognized layout is a parsing gap, and
// defaulting to unavailable would silently suppress a restock alert.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/stockwatch/models"
)

// Pages shorter than this are error shells, not product pages.
const minPageSize = 500

var (
	productPathRe = regexp.MustCompile(`pd/(\d+)/([^/?]+)`)
	buildIDRe     = regexp.MustCompile(`/_next/data/([a-zA-Z0-9_-]+)/`)

	outOfStockRe = regexp.MustCompile(`notify\s*me|out\s*of\s*stock|currently\s*unavailable|notify\s*when`)
	inStockRe    = regexp.MustCompile(`add\s*to\s*basket|add\s*to\s*cart|buy\s*now`)
)

// ParseProductURL extracts the product identity from a catalog URL.
func ParseProductURL(rawURL string) (models.Product, error) {
	m := productPathRe.FindStringSubmatch(rawURL)
	if m == nil {
		return models.Product{}, fmt.Errorf("not a product URL: %s", rawURL)
	}
	return models.Product{
		ID:   m[1],
		Slug: strings.Trim(m[2], "/"),
		URL:  rawURL,
	}, nil
}

// ParseStock classifies product page HTML. The returned title is empty when
// the page did not yield one.
func ParseStock(html []byte) (models.Verdict, string) {
	if len(html) < minPageSize {
		return models.VerdictUnknown, ""
	}

	if props, ok := nextDataPageProps(html); ok {
		if verdict, title := findStock(props, 0); verdict != models.VerdictUnknown {
			return verdict, title
		}
	}

	low := strings.ToLower(string(html))
	if outOfStockRe.MatchString(low) {
		return models.VerdictOutOfStock, ""
	}
	if inStockRe.MatchString(low) {
		return models.VerdictInStock, ""
	}
	return models.VerdictUnknown, ""
}

// ParsePageProps classifies a product data-API payload (the same JSON served
// under /_next/data/{buildId}/pd/{id}/{slug}.json).
func ParsePageProps(raw []byte) (models.Verdict, string) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.VerdictUnknown, ""
	}
	props := doc
	if inner, ok := doc["pageProps"].(map[string]any); ok {
		props = inner
	}
	return findStock(props, 0)
}

// BuildID extracts the Next.js build identifier from page HTML. Empty when
// the page carries none.
func BuildID(html []byte) string {
	if data, ok := nextData(html); ok {
		if id, ok := data["buildId"].(string); ok && id != "" {
			return id
		}
	}
	if m := buildIDRe.FindSubmatch(html); m != nil {
		return string(m[1])
	}
	return ""
}

func nextData(html []byte) (map[string]any, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return nil, false
	}
	blob := doc.Find("script#__NEXT_DATA__").First().Text()
	if strings.TrimSpace(blob) == "" {
		return nil, false
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		return nil, false
	}
	return data, true
}

func nextDataPageProps(html []byte) (map[string]any, bool) {
	data, ok := nextData(html)
	if !ok {
		return nil, false
	}
	props, ok := data["props"].(map[string]any)
	if !ok {
		return nil, false
	}
	page, ok := props["pageProps"].(map[string]any)
	if !ok {
		return nil, false
	}
	return page, true
}

const maxDepth = 10

// findStock hunts the page-props object for a store_availability list. Any
// entry with pstat "A" means in stock; out of stock requires every entry to
// carry pstat "O". An entry without a status makes the list inconclusive.
func findStock(obj map[string]any, depth int) (models.Verdict, string) {
	if depth > maxDepth {
		return models.VerdictUnknown, ""
	}

	av := availabilityList(obj)
	if len(av) > 0 {
		anyAvailable := false
		allOut := true
		for _, item := range av {
			entry, ok := item.(map[string]any)
			if !ok {
				allOut = false
				continue
			}
			pstat, _ := entry["pstat"].(string)
			if pstat == "A" {
				anyAvailable = true
			}
			if pstat != "O" {
				allOut = false
			}
		}
		if anyAvailable {
			return models.VerdictInStock, titleOf(obj)
		}
		if allOut {
			return models.VerdictOutOfStock, titleOf(obj)
		}
	}

	for _, v := range obj {
		switch val := v.(type) {
		case map[string]any:
			if verdict, title := findStock(val, depth+1); verdict != models.VerdictUnknown {
				return verdict, title
			}
		case []any:
			for _, item := range val {
				child, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if verdict, title := findStock(child, depth+1); verdict != models.VerdictUnknown {
					return verdict, title
				}
			}
		}
	}
	return models.VerdictUnknown, ""
}

func availabilityList(obj map[string]any) []any {
	for _, key := range []string{"store_availability", "storeAvailability", "availability"} {
		if list, ok := obj[key].([]any); ok {
			return list
		}
	}
	return nil
}

func titleOf(obj map[string]any) string {
	for _, key := range []string{"p_desc", "product_name", "title"} {
		if s, ok := obj[key].(string); ok {
			if t := strings.TrimSpace(s); t != "" {
				return t
			}
		}
	}
	return ""
}
