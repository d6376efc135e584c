package nominatimhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/integrations/geocode"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL   string
	userAgent string
	httpc     *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://nominatim.openstreetmap.org"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		// Nominatim отклоняет запросы без User-Agent.
		userAgent: "frete-sistema-tracker/1.0",
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

type nominatimItem struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (c *Client) Resolve(ctx context.Context, address, countryHint string) (geocode.Result, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return geocode.Result{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/search"

	q := u.Query()
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")
	if countryHint != "" {
		q.Set("countrycodes", countryHint)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return geocode.Result{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return geocode.Result{}, errors.Wrap(models.ErrProviderUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return geocode.Result{}, errors.Wrapf(models.ErrProviderUnavailable, "geocoder http %d", resp.StatusCode)
	}

	var items []nominatimItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return geocode.Result{}, errors.Wrap(models.ErrProviderUnavailable, "decode geocoder response")
	}
	if len(items) == 0 {
		return geocode.Result{}, models.ErrNotFound
	}

	lat, err := strconv.ParseFloat(items[0].Lat, 64)
	if err != nil {
		return geocode.Result{}, errors.Wrap(models.ErrProviderUnavailable, "bad lat in response")
	}
	lon, err := strconv.ParseFloat(items[0].Lon, 64)
	if err != nil {
		return geocode.Result{}, errors.Wrap(models.ErrProviderUnavailable, "bad lon in response")
	}

	return geocode.Result{Lat: lat, Lon: lon, DisplayName: items[0].DisplayName}, nil
}
