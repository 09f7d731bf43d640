package iris

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"

	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/redis_client"
	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/util"
)

// StationGetter is the slice of Client that station resolution needs.
type StationGetter interface {
	GetStations(ctx context.Context, pattern string) (*Stations, error)
}

// GetStations resolves a station name or pattern. A configured pattern
// override takes precedence over the literal pattern. 404 means the
// station genuinely does not exist.
func (c *Client) GetStations(ctx context.Context, pattern string) (*Stations, error) {
	requestPattern := pattern
	if override, ok := c.PatternOverrides[util.MakeStationNameKey(pattern)]; ok {
		requestPattern = override
	}

	var stations Stations
	err := c.Get(ctx, fmt.Sprintf("timetables/v1/station/%s", url.PathEscape(requestPattern)), AcceptXML, &stations)

	var invalidResponse *InvalidResponseError
	if errors.As(err, &invalidResponse) && invalidResponse.StatusCode == http.StatusNotFound {
		return nil, &StationNotFoundError{Pattern: pattern}
	}
	if err != nil {
		return nil, err
	}

	return &stations, nil
}

// StationCache caches resolved stations in redis so that re-onboarding
// after a restart does not burn rate-limited requests. Entries expire
// after 90 minutes; failed lookups are cached as "N/A".
type StationCache struct {
	Cache *cache.Cache[string]
}

func (s *StationCache) Setup() {
	redisStore := redisstore.NewRedis(redis_client.Client, store.WithExpiration(90*time.Minute))

	s.Cache = cache.New[string](redisStore)
}

// ResolveStation resolves a pattern to its first matching station, going
// through the cache when one is configured. A nil cache falls back to a
// direct request.
func ResolveStation(ctx context.Context, source StationGetter, stationCache *StationCache, pattern string) (*StationData, error) {
	if stationCache == nil || stationCache.Cache == nil {
		return resolveStationDirect(ctx, source, pattern)
	}

	cacheKey := fmt.Sprintf("OTAM:IRIS:STATION:%s", util.MakeStationNameKey(pattern))

	cacheValue, err := stationCache.Cache.Get(ctx, cacheKey)
	if err == nil {
		if cacheValue == "N/A" {
			return nil, &StationNotFoundError{Pattern: pattern}
		}

		var station StationData
		if err := json.Unmarshal([]byte(cacheValue), &station); err == nil {
			return &station, nil
		}
	}

	station, err := resolveStationDirect(ctx, source, pattern)
	if err != nil {
		var notFound *StationNotFoundError
		if errors.As(err, &notFound) {
			stationCache.Cache.Set(ctx, cacheKey, "N/A")
		}
		return nil, err
	}

	if stationJSON, err := json.Marshal(station); err == nil {
		stationCache.Cache.Set(ctx, cacheKey, string(stationJSON))
	}

	return station, nil
}

func resolveStationDirect(ctx context.Context, source StationGetter, pattern string) (*StationData, error) {
	stations, err := source.GetStations(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if len(stations.Stations) == 0 {
		return nil, &StationNotFoundError{Pattern: pattern}
	}

	station := stations.Stations[0]
	return &station, nil
}
