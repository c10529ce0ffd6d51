// Package metar fetches current surface observations from the
// aviationweather.gov data API.
package metar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// DefaultBaseURL is the Aviation Weather Center host.
const DefaultBaseURL = "https://aviationweather.gov"

const dataAPI = `%s/api/data/metar?ids=%s&format=json`

// Observation is as much of a METAR as the traffic server needs: the
// raw report is passed through to clients untouched.
type Observation struct {
	Station string
	Raw     string
	Time    time.Time
}

// apiMETAR is the JSON schema of one report.
type apiMETAR struct {
	ICAO       string `json:"icaoId"`
	Raw        string `json:"rawOb"`
	ReportTime string `json:"reportTime"`
	ObsTime    int64  `json:"obsTime"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch returns the latest observation for each station that has one.
// Stations without a current report are simply absent from the result.
func (c *Client) Fetch(ctx context.Context, stations ...string) ([]Observation, error) {
	if len(stations) == 0 {
		return nil, nil
	}

	ids := make([]string, len(stations))
	for i, s := range stations {
		ids[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	requestURL := fmt.Sprintf(dataAPI, c.baseURL, url.QueryEscape(strings.Join(ids, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch METAR: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		// No reports for any of the stations
		return nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("METAR API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var reports []apiMETAR
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return nil, fmt.Errorf("parse METAR response: %w", err)
	}

	// The API may return several reports per station; keep the newest.
	latest := make(map[string]Observation)
	for _, r := range reports {
		obs, err := r.observation()
		if err != nil {
			return nil, err
		}
		if prev, ok := latest[obs.Station]; !ok || obs.Time.After(prev.Time) {
			latest[obs.Station] = obs
		}
	}

	obs := make([]Observation, 0, len(latest))
	for _, o := range latest {
		obs = append(obs, o)
	}
	slices.SortFunc(obs, func(a, b Observation) int { return strings.Compare(a.Station, b.Station) })
	return obs, nil
}

func (m apiMETAR) observation() (Observation, error) {
	o := Observation{
		Station: strings.ToUpper(m.ICAO),
		Raw:     strings.TrimSpace(m.Raw),
	}
	if o.Station == "" || o.Raw == "" {
		return Observation{}, fmt.Errorf("METAR report missing station or text: %+v", m)
	}

	switch {
	case m.ReportTime != "":
		t, err := parseReportTime(m.ReportTime)
		if err != nil {
			return Observation{}, fmt.Errorf("%s: %w", o.Station, err)
		}
		o.Time = t
	case m.ObsTime != 0:
		o.Time = time.Unix(m.ObsTime, 0).UTC()
	}
	return o, nil
}

func parseReportTime(s string) (time.Time, error) {
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05.999Z", s)
		if err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}
