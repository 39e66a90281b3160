package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNoPlaceMatch is returned when the autocomplete step yields no candidate
// for a pincode. Absorbed by strategy fallthrough in the Manager.
var ErrNoPlaceMatch = errors.New("location: no place match for pincode")

const placeCacheSize = 64

// ResolvedPlace is the outcome of the autocomplete+details steps for one
// pincode. Deterministic per pincode, so it is cached across cycles.
type ResolvedPlace struct {
	PlaceID string
	Lat     float64
	Lng     float64
	Area    string
	City    string
}

// PlacesClient drives the site's public location-search surface: a three-step
// chain of autocomplete, place details, and serviceability. The serviceability
// response sets location cookies on the client's jar.
type PlacesClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
	jar       *cookiejar.Jar
	cache     *lru.Cache[string, ResolvedPlace]
}

// NewPlacesClient builds a client with its own cookie jar.
func NewPlacesClient(baseURL, userAgent string, timeout time.Duration) (*PlacesClient, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	cache, err := lru.New[string, ResolvedPlace](placeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("place cache: %w", err)
	}
	return &PlacesClient{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Jar: jar, Timeout: timeout},
		jar:       jar,
		cache:     cache,
	}, nil
}

// Resolve turns a pincode into coordinates via autocomplete and place
// details. The first autocomplete candidate is selected deterministically;
// pincode search is expected to return a single best match.
func (c *PlacesClient) Resolve(ctx context.Context, pincode string) (ResolvedPlace, error) {
	if place, ok := c.cache.Get(pincode); ok {
		return place, nil
	}

	var auto struct {
		Predictions []autoPrediction `json:"predictions"`
		Results     []autoPrediction `json:"results"`
		Places      []autoPrediction `json:"places"`
	}
	params := url.Values{"inputText": {pincode}, "token": {apiToken()}}
	if err := c.getJSON(ctx, "/places/v1/places/autocomplete/", params, &auto); err != nil {
		return ResolvedPlace{}, fmt.Errorf("autocomplete: %w", err)
	}
	candidates := auto.Predictions
	if len(candidates) == 0 {
		candidates = auto.Results
	}
	if len(candidates) == 0 {
		candidates = auto.Places
	}
	if len(candidates) == 0 {
		return ResolvedPlace{}, fmt.Errorf("%w: %s", ErrNoPlaceMatch, pincode)
	}
	first := candidates[0]
	placeID := first.placeID()
	if placeID == "" {
		return ResolvedPlace{}, fmt.Errorf("%w: candidate without place id", ErrNoPlaceMatch)
	}

	var details placeDetails
	params = url.Values{"placeId": {placeID}, "token": {apiToken()}}
	if err := c.getJSON(ctx, "/places/v1/places/details/", params, &details); err != nil {
		return ResolvedPlace{}, fmt.Errorf("place details: %w", err)
	}
	lat, lng, ok := details.coordinates()
	if !ok {
		return ResolvedPlace{}, fmt.Errorf("place details for %s: no coordinates", pincode)
	}

	place := ResolvedPlace{
		PlaceID: placeID,
		Lat:     lat,
		Lng:     lng,
		Area:    first.area(),
		City:    details.city(),
	}
	if place.Area == "" {
		place.Area = details.FormattedAddress
	}
	c.cache.Add(pincode, place)
	return place, nil
}

// Serviceable performs the acceptance step for resolved coordinates. The
// response headers convert into location cookies on the jar.
func (c *PlacesClient) Serviceable(ctx context.Context, lat, lng float64) error {
	params := url.Values{
		"lat":                     {fmt.Sprintf("%v", lat)},
		"lng":                     {fmt.Sprintf("%v", lng)},
		"send_all_serviceability": {"true"},
	}
	var ignored json.RawMessage
	if err := c.getJSON(ctx, "/ui-svc/v1/serviceable/", params, &ignored); err != nil {
		return fmt.Errorf("serviceable: %w", err)
	}
	return nil
}

// Cookies returns the jar's cookies for the site.
func (c *PlacesClient) Cookies() []*http.Cookie {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil
	}
	return c.jar.Cookies(u)
}

func (c *PlacesClient) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-IN,en;q=0.9")
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("x-channel", "BB-WEB")
	req.Header.Set("x-entry-context-id", "100")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// apiToken mimics the opaque per-call token the site's own frontend sends.
func apiToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

type autoPrediction struct {
	PlaceID          string `json:"place_id"`
	ID               string `json:"id"`
	PlaceIDAlt       string `json:"placeId"`
	Description      string `json:"description"`
	FormattedAddress string `json:"formatted_address"`
}

func (p autoPrediction) placeID() string {
	if p.PlaceID != "" {
		return p.PlaceID
	}
	if p.ID != "" {
		return p.ID
	}
	return p.PlaceIDAlt
}

func (p autoPrediction) area() string {
	if p.Description != "" {
		return p.Description
	}
	return p.FormattedAddress
}

type placeDetails struct {
	Lat              *float64 `json:"lat"`
	Latitude         *float64 `json:"latitude"`
	Lng              *float64 `json:"lng"`
	Longitude        *float64 `json:"longitude"`
	Locality         string   `json:"locality"`
	City             string   `json:"city"`
	FormattedAddress string   `json:"formatted_address"`
	Geometry         struct {
		Location struct {
			Lat *float64 `json:"lat"`
			Lng *float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry"`
}

func (d placeDetails) coordinates() (float64, float64, bool) {
	lat := firstFloat(d.Lat, d.Latitude, d.Geometry.Location.Lat)
	lng := firstFloat(d.Lng, d.Longitude, d.Geometry.Location.Lng)
	if lat == nil || lng == nil {
		return 0, 0, false
	}
	return *lat, *lng, true
}

func (d placeDetails) city() string {
	if d.Locality != "" {
		return d.Locality
	}
	return d.City
}

func firstFloat(candidates ...*float64) *float64 {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}
