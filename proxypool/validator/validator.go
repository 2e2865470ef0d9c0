package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"proxyhub/internal/shared/logger"
	"proxyhub/proxypool/model"
	"proxyhub/proxypool/storage"
	"proxyhub/proxypool/transport"
)

const (
	defaultTimeout = 10 * time.Second
	defaultGeoURL  = "https://ipapi.co/%s/json"
)

// geoAPIResponse defines the fields read from the ipapi.co JSON response.
type geoAPIResponse struct {
	CountryName *string `json:"country_name"`
	City        *string `json:"city"`
}

// Options configures a Validator. Zero values select the defaults.
type Options struct {
	Timeout time.Duration
	// Workers caps concurrent (candidate, protocol) checks; <= 0 means no cap.
	Workers int
	// GeoURL is formatted with the candidate IP.
	GeoURL string
	// Now is the clock used for the store timestamp.
	Now func() time.Time
}

type Validator struct {
	fetcher    transport.Fetcher
	candidates []model.Candidate
	timeout    time.Duration
	workers    int
	geoURL     string
	startedAt  time.Time
}

// NewValidator creates a Validator for candidates. The store timestamp is taken here,
// so it reflects when the pass started rather than when it finished.
func NewValidator(fetcher transport.Fetcher, candidates []model.Candidate, opts Options) *Validator {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.GeoURL == "" {
		opts.GeoURL = defaultGeoURL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Validator{
		fetcher:    fetcher,
		candidates: candidates,
		timeout:    opts.Timeout,
		workers:    opts.Workers,
		geoURL:     opts.GeoURL,
		startedAt:  opts.Now(),
	}
}

// NewFromFile reads the candidate file written by the harvester.
func NewFromFile(fetcher transport.Fetcher, file *storage.CandidateFile, opts Options) (*Validator, error) {
	candidates, err := file.Load()
	if err != nil {
		return nil, err
	}
	return NewValidator(fetcher, candidates, opts), nil
}

// StartedAt returns the timestamp the resulting store will carry.
func (v *Validator) StartedAt() time.Time {
	return v.startedAt
}

// Validate checks every candidate against every protocol type and returns the pool.
// Failed checks are dropped silently; the call returns once every check has finished.
func (v *Validator) Validate(ctx context.Context, checkURL string) *model.ProxyStore {
	l := logger.WithComponent("ProxyHub/Validator")
	l.Info().
		Int("candidates", len(v.candidates)).
		Int("checks", len(v.candidates)*len(model.AllProtocols)).
		Int("workers", v.workers).
		Msg("Start checking proxies...")

	results := newResultSet()

	g := new(errgroup.Group)
	if v.workers > 0 {
		g.SetLimit(v.workers)
	}
	for _, c := range v.candidates {
		for _, typ := range model.AllProtocols {
			route := transport.Route{Type: typ, Addr: c}
			g.Go(func() error {
				if p, ok := v.checkProxy(ctx, checkURL, route); ok {
					results.merge(route.Addr, p)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	store := model.NewProxyStore(v.startedAt)
	store.Proxies = results.snapshot()

	l.Info().Int("validated", store.Len()).Msg("Checking finished.")
	return store
}

// ValidateAndSave runs Validate and fully replaces the persisted store with the result.
func (v *Validator) ValidateAndSave(ctx context.Context, checkURL string, out storage.Store) (*model.ProxyStore, error) {
	store := v.Validate(ctx, checkURL)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("validation interrupted: %w", err)
	}
	if err := out.Save(store); err != nil {
		return nil, fmt.Errorf("failed to save proxy store: %w", err)
	}
	return store, nil
}

// checkProxy sends checkURL through the route. Only a 200 counts as working.
func (v *Validator) checkProxy(ctx context.Context, checkURL string, route transport.Route) (model.ValidatedProxy, bool) {
	l := logger.WithComponent("ProxyHub/Validator")

	resp, err := v.fetcher.Fetch(ctx, checkURL, &route, v.timeout)
	if err != nil {
		l.Debug().Err(err).Str("proxy", route.URL()).Msg("Check failed.")
		return model.ValidatedProxy{}, false
	}
	if resp.StatusCode != http.StatusOK {
		l.Debug().Int("status_code", resp.StatusCode).Str("proxy", route.URL()).Msg("Check returned non-200 status.")
		return model.ValidatedProxy{}, false
	}

	p := model.ValidatedProxy{Type: route.Type}
	p.Country, p.City = v.fetchGeoInfo(ctx, route)
	return p, true
}

// fetchGeoInfo looks the candidate IP up through the same proxy. Any failure yields empty strings.
func (v *Validator) fetchGeoInfo(ctx context.Context, route transport.Route) (country, city string) {
	l := logger.WithComponent("ProxyHub/Validator")
	apiURL := fmt.Sprintf(v.geoURL, route.Addr.IP())

	resp, err := v.fetcher.Fetch(ctx, apiURL, &route, v.timeout)
	if err != nil {
		l.Debug().Err(err).Str("proxy", route.URL()).Msg("Geo API request failed.")
		return "", ""
	}

	var apiResp geoAPIResponse
	if err := json.Unmarshal(resp.Body, &apiResp); err != nil {
		l.Debug().Err(err).Str("proxy", route.URL()).Msg("Failed to decode Geo API response.")
		return "", ""
	}
	if apiResp.CountryName == nil || apiResp.City == nil {
		return "", ""
	}
	return *apiResp.CountryName, *apiResp.City
}

// resultSet collects concurrent results. When several protocols validate the same
// candidate the higher-priority protocol is kept, independent of completion order.
type resultSet struct {
	mu      sync.Mutex
	proxies map[model.Candidate]model.ValidatedProxy
}

func newResultSet() *resultSet {
	return &resultSet{proxies: make(map[model.Candidate]model.ValidatedProxy)}
}

func (r *resultSet) merge(c model.Candidate, p model.ValidatedProxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.proxies[c]; ok && cur.Type.Priority() >= p.Type.Priority() {
		return
	}
	r.proxies[c] = p
}

func (r *resultSet) snapshot() map[model.Candidate]model.ValidatedProxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[model.Candidate]model.ValidatedProxy, len(r.proxies))
	for c, p := range r.proxies {
		out[c] = p
	}
	return out
}
