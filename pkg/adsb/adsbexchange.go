package adsb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/cookiejar"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/unklstewy/livetraffic/pkg/coordinates"
)

// globeIndexGrid is the tile size in degrees of the globe index.
const globeIndexGrid = 3.0

// ADSBExchangeClient implements DataSource for ADS-B Exchange globe
// tiles. Each poll fetches every tile that overlaps the bounding box of
// the query circle.
type ADSBExchangeClient struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	tiles   []int
	tileKey coordinates.Bounds
}

// NewADSBExchangeClient creates a client for the globe binCraft tiles.
// baseURL should be "https://globe.adsbexchange.com" (or custom for testing).
func NewADSBExchangeClient(baseURL string) *ADSBExchangeClient {
	jar, _ := cookiejar.New(nil)
	return &ADSBExchangeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Jar:     jar,
		},
	}
}

func (c *ADSBExchangeClient) Name() string { return "ADSBExchange" }

func (c *ADSBExchangeClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// GetAircraft fetches all overlapping tiles. A tile that fails is
// skipped; the poll only fails when every tile fails.
func (c *ADSBExchangeClient) GetAircraft(ctx context.Context, centerLat, centerLon, radiusNM float64) ([]Aircraft, error) {
	tiles := c.tilesFor(coordinates.BoundingBox(
		coordinates.Geographic{Latitude: centerLat, Longitude: centerLon}, radiusNM))

	var aircraft []Aircraft
	var errs []error
	seen := make(map[string]bool)
	for _, idx := range tiles {
		tile, err := c.fetchTile(ctx, idx)
		if err != nil {
			errs = append(errs, fmt.Errorf("tile %d: %w", idx, err))
			continue
		}
		for _, ac := range tile.Aircraft {
			// Aircraft near a tile edge can appear in two tiles
			if !seen[ac.ICAO] {
				seen[ac.ICAO] = true
				aircraft = append(aircraft, ac)
			}
		}
	}

	if len(errs) == len(tiles) && len(errs) > 0 {
		// Surface a rate limit error directly so the caller can back off
		var rle *RateLimitError
		if errors.As(errs[0], &rle) {
			return nil, rle
		}
		return nil, errors.Join(errs...)
	}
	return aircraft, nil
}

func (c *ADSBExchangeClient) tilesFor(b coordinates.Bounds) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tiles == nil || c.tileKey != b {
		c.tiles = GlobeIndexes(b)
		c.tileKey = b
	}
	return c.tiles
}

func (c *ADSBExchangeClient) fetchTile(ctx context.Context, idx int) (BinCraft, error) {
	url := fmt.Sprintf("%s/data/globe_%d.binCraft", c.baseURL, idx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BinCraft{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Referer", c.baseURL+"/")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BinCraft{}, err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return BinCraft{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return BinCraft{}, fmt.Errorf("read response: %w", err)
	}
	return DecodeBinCraft(body)
}

// GlobeIndex returns the index of the tile containing the point.
func GlobeIndex(lat, lon float64) int {
	i := math.Floor((math.Min(lat, 89.999) + 90) / globeIndexGrid)
	j := math.Floor((math.Min(lon, 179.999) + 180) / globeIndexGrid)
	perRow := math.Floor(360/globeIndexGrid + 1)
	return int(i*perRow + j + 1000)
}

// GlobeIndexes returns the sorted set of tile indexes overlapping b,
// handling boxes that straddle the antimeridian.
func GlobeIndexes(b coordinates.Bounds) []int {
	ranges := [][2]float64{{b.West, b.East}}
	if b.West > b.East {
		ranges = [][2]float64{{b.West, 180}, {-180, b.East}}
	}

	set := make(map[int]bool)
	for _, r := range ranges {
		for lon := r[0]; ; lon += globeIndexGrid {
			lon = math.Min(lon, r[1])
			for lat := b.South; ; lat += globeIndexGrid {
				lat = math.Min(lat, b.North)
				set[GlobeIndex(lat, lon)] = true
				if lat >= b.North {
					break
				}
			}
			if lon >= r[1] {
				break
			}
		}
	}

	idx := make([]int, 0, len(set))
	for i := range set {
		idx = append(idx, i)
	}
	slices.Sort(idx)
	return idx
}
