package iris

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/util"
)

// APIBaseURL is the DB API marketplace entrypoint hosting the timetables
// (IRIS) product.
const APIBaseURL = "https://apis.deutschebahn.com/db-api-marketplace/apis"

type Accept string

const (
	AcceptXML  Accept = "application/xml"
	AcceptJSON Accept = "application/json"
)

// Credentials configure a Client. RateLimitPerMinute of 0 disables
// client-side rate limiting.
type Credentials struct {
	ClientID           string
	ClientSecret       string
	RateLimitPerMinute int
	Proxy              string
}

// CredentialsFromEnvironment reads OTAM_BAHN_CLIENT_ID,
// OTAM_BAHN_CLIENT_SECRET, OTAM_BAHN_RATE_LIMIT and OTAM_BAHN_PROXY.
func CredentialsFromEnvironment() Credentials {
	env := util.GetEnvironmentVariables()

	credentials := Credentials{
		ClientID:     env["OTAM_BAHN_CLIENT_ID"],
		ClientSecret: env["OTAM_BAHN_CLIENT_SECRET"],
		Proxy:        env["OTAM_BAHN_PROXY"],
	}

	if env["OTAM_BAHN_RATE_LIMIT"] != "" {
		if n, err := strconv.Atoi(env["OTAM_BAHN_RATE_LIMIT"]); err == nil {
			credentials.RateLimitPerMinute = n
		}
	}

	return credentials
}

// Client is a rate-limited client for the IRIS timetables API. The request
// budget refills once per minute; when it is exhausted Get fails with
// ErrRateLimited before performing any network call, so a caller can never
// trip the upstream limiter.
type Client struct {
	Credentials Credentials

	// PatternOverrides maps normalised station names to the request
	// pattern that actually resolves them upstream. Some diacritic-bearing
	// names only resolve via their DS100 code; the table is supplied by
	// configuration, see cmd documentation.
	PatternOverrides map[string]string

	baseURL    string
	httpClient *http.Client

	mutex             sync.Mutex
	availableRequests int
	lastRefill        time.Time
}

func NewClient(credentials Credentials) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if credentials.Proxy != "" {
		if proxyURL, err := url.Parse(credentials.Proxy); err == nil {
			httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		} else {
			log.Error().Err(err).Str("proxy", credentials.Proxy).Msg("Invalid proxy URL, connecting directly")
		}
	}

	return &Client{
		Credentials:       credentials,
		PatternOverrides:  map[string]string{},
		baseURL:           APIBaseURL,
		httpClient:        httpClient,
		availableRequests: credentials.RateLimitPerMinute,
		lastRefill:        time.Now(),
	}
}

// AvailableRequests reports the remaining request budget for the current
// minute.
func (c *Client) AvailableRequests() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.availableRequests
}

func (c *Client) takeRequestToken() error {
	if c.Credentials.RateLimitPerMinute == 0 {
		return nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if time.Since(c.lastRefill) >= time.Minute {
		c.availableRequests = c.Credentials.RateLimitPerMinute
		c.lastRefill = time.Now()
	}

	if c.availableRequests == 0 {
		return ErrRateLimited
	}
	c.availableRequests--

	return nil
}

// Get fetches an endpoint and decodes the response into out, honouring the
// client-side rate limit.
func (c *Client) Get(ctx context.Context, endpoint string, accept Accept, out any) error {
	if err := c.takeRequestToken(); err != nil {
		return err
	}

	requestURL := fmt.Sprintf("%s/%s", c.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, "GET", requestURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("DB-Client-Id", c.Credentials.ClientID)
	req.Header.Set("DB-Api-Key", c.Credentials.ClientSecret)
	req.Header.Set("accept", string(accept))

	log.Debug().Str("endpoint", endpoint).Msg("Requesting IRIS endpoint")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return &InvalidResponseError{
			StatusCode: resp.StatusCode,
			URL:        requestURL,
			Body:       util.TrimString(string(body), 512),
		}
	}

	switch accept {
	case AcceptJSON:
		return json.Unmarshal(body, out)
	default:
		return xml.Unmarshal(body, out)
	}
}

// GetPlan fetches the planned timetable for one hourly slice. Planned data
// is generated many hours in advance and is static for its slice.
func (c *Client) GetPlan(ctx context.Context, eva int64, slice time.Time) (*Timetable, error) {
	endpoint := fmt.Sprintf("timetables/v1/plan/%d/%s/%s", eva, slice.Format("060102"), slice.Format("15"))

	var timetable Timetable
	if err := c.Get(ctx, endpoint, AcceptXML, &timetable); err != nil {
		return nil, err
	}

	return &timetable, nil
}

// GetKnownChanges fetches all currently known changes for a station, from
// now on indefinitely into the future. Changes become obsolete once their
// trip departs the station and are then dropped upstream.
func (c *Client) GetKnownChanges(ctx context.Context, eva int64) (*Timetable, error) {
	var timetable Timetable
	if err := c.Get(ctx, fmt.Sprintf("timetables/v1/fchg/%d", eva), AcceptXML, &timetable); err != nil {
		return nil, err
	}

	return &timetable, nil
}

// GetRecentChanges fetches only the changes that became known within the
// last two minutes; always a subset of GetKnownChanges.
func (c *Client) GetRecentChanges(ctx context.Context, eva int64) (*Timetable, error) {
	var timetable Timetable
	if err := c.Get(ctx, fmt.Sprintf("timetables/v1/rchg/%d", eva), AcceptXML, &timetable); err != nil {
		return nil, err
	}

	return &timetable, nil
}
