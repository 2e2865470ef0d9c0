package validator

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyhub/proxypool/model"
	"proxyhub/proxypool/storage"
	"proxyhub/proxypool/transport"
)

const (
	checkURL = "https://check.example/"
	geoURL   = "https://geo.example/%s/json"
)

var errRefused = errors.New("connection refused")

func ok(body string) *transport.Response {
	return &transport.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(body)}
}

// fakeNetwork answers checks for the routes listed in working and geo lookups from geo.
type fakeNetwork struct {
	working map[transport.Route]time.Duration // value is the artificial latency
	geo     map[string]string                 // ip -> JSON body

	mu       sync.Mutex
	geoCalls []transport.Route
}

func (n *fakeNetwork) Fetch(ctx context.Context, target string, via *transport.Route, timeout time.Duration) (*transport.Response, error) {
	if via == nil {
		return nil, errors.New("validator must route through the proxy")
	}
	delay, works := n.working[*via]
	if !works {
		return nil, errRefused
	}
	if strings.HasPrefix(target, "https://geo.example/") {
		n.mu.Lock()
		n.geoCalls = append(n.geoCalls, *via)
		n.mu.Unlock()
		body, found := n.geo[via.Addr.IP()]
		if !found {
			return nil, errRefused
		}
		return ok(body), nil
	}
	time.Sleep(delay)
	return ok("<html>check</html>"), nil
}

func route(typ model.ProtocolType, addr string) transport.Route {
	return transport.Route{Type: typ, Addr: model.Candidate(addr)}
}

func TestValidate_RecordsTypeAndGeo(t *testing.T) {
	n := &fakeNetwork{
		working: map[transport.Route]time.Duration{route(model.ProtocolSOCKS5, "2.2.2.2:1080"): 0},
		geo:     map[string]string{"2.2.2.2": `{"country_name": "Germany", "city": "Berlin"}`},
	}
	v := NewValidator(n, []model.Candidate{"2.2.2.2:1080"}, Options{GeoURL: geoURL})

	store := v.Validate(context.Background(), checkURL)
	require.Equal(t, 1, store.Len())
	assert.Equal(t, model.ValidatedProxy{Type: model.ProtocolSOCKS5, Country: "Germany", City: "Berlin"}, store.Proxies["2.2.2.2:1080"])

	// The geo lookup goes through the proxy that passed the check.
	assert.Equal(t, []transport.Route{route(model.ProtocolSOCKS5, "2.2.2.2:1080")}, n.geoCalls)
}

func TestValidate_GeoFailureKeepsEntry(t *testing.T) {
	n := &fakeNetwork{
		working: map[transport.Route]time.Duration{route(model.ProtocolHTTP, "1.1.1.1:80"): 0},
	}
	v := NewValidator(n, []model.Candidate{"1.1.1.1:80"}, Options{GeoURL: geoURL})

	store := v.Validate(context.Background(), checkURL)
	assert.Equal(t, map[model.Candidate]model.ValidatedProxy{
		"1.1.1.1:80": {Type: model.ProtocolHTTP},
	}, store.Proxies)
}

func TestValidate_IncompleteGeoResponse(t *testing.T) {
	n := &fakeNetwork{
		working: map[transport.Route]time.Duration{route(model.ProtocolHTTP, "1.1.1.1:80"): 0},
		geo:     map[string]string{"1.1.1.1": `{"error": true, "reason": "RateLimited"}`},
	}
	v := NewValidator(n, []model.Candidate{"1.1.1.1:80"}, Options{GeoURL: geoURL})

	store := v.Validate(context.Background(), checkURL)
	assert.Equal(t, model.ValidatedProxy{Type: model.ProtocolHTTP}, store.Proxies["1.1.1.1:80"])
}

func TestValidate_AllAttemptsFail(t *testing.T) {
	n := &fakeNetwork{}
	v := NewValidator(n, []model.Candidate{"9.9.9.9:1"}, Options{GeoURL: geoURL})

	store := v.Validate(context.Background(), checkURL)
	assert.Equal(t, 0, store.Len())
}

func TestValidate_Non200IsDiscarded(t *testing.T) {
	f := transport.FetcherFunc(func(ctx context.Context, target string, via *transport.Route, timeout time.Duration) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusForbidden, Header: http.Header{}}, nil
	})
	store := NewValidator(f, []model.Candidate{"1.1.1.1:80"}, Options{}).Validate(context.Background(), checkURL)
	assert.Equal(t, 0, store.Len())
}

func TestValidate_PriorityMergeIgnoresCompletionOrder(t *testing.T) {
	tests := []struct {
		name    string
		working map[transport.Route]time.Duration
	}{
		{
			name: "https finishes first",
			working: map[transport.Route]time.Duration{
				route(model.ProtocolHTTPS, "3.3.3.3:443"):  0,
				route(model.ProtocolSOCKS4, "3.3.3.3:443"): 30 * time.Millisecond,
			},
		},
		{
			name: "https finishes last",
			working: map[transport.Route]time.Duration{
				route(model.ProtocolHTTPS, "3.3.3.3:443"):  30 * time.Millisecond,
				route(model.ProtocolSOCKS4, "3.3.3.3:443"): 0,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &fakeNetwork{working: tt.working}
			store := NewValidator(n, []model.Candidate{"3.3.3.3:443"}, Options{GeoURL: geoURL}).Validate(context.Background(), checkURL)
			assert.Equal(t, model.ProtocolHTTPS, store.Proxies["3.3.3.3:443"].Type)
		})
	}
}

func TestValidate_FanOutAndWorkerLimit(t *testing.T) {
	var calls, inFlight, peak int32
	f := transport.FetcherFunc(func(ctx context.Context, target string, via *transport.Route, timeout time.Duration) (*transport.Response, error) {
		atomic.AddInt32(&calls, 1)
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		assert.Equal(t, 7*time.Second, timeout)
		return nil, errRefused
	})

	candidates := []model.Candidate{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"}
	v := NewValidator(f, candidates, Options{Workers: 3, Timeout: 7 * time.Second})
	v.Validate(context.Background(), checkURL)

	assert.Equal(t, int32(len(candidates)*len(model.AllProtocols)), atomic.LoadInt32(&calls))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestValidate_MalformedCandidateDoesNotCrash(t *testing.T) {
	v := NewValidator(transport.NewHTTPFetcher(""), []model.Candidate{"999.1.1.1:99999"}, Options{Timeout: 2 * time.Second})
	store := v.Validate(context.Background(), "http://127.0.0.1:1/")
	assert.Equal(t, 0, store.Len())
}

func TestValidate_StampsConstructionTime(t *testing.T) {
	started := time.Date(2024, 3, 1, 8, 0, 0, 0, time.Local)
	v := NewValidator(&fakeNetwork{}, nil, Options{Now: func() time.Time { return started }})
	assert.Equal(t, started, v.StartedAt())
	assert.Equal(t, started, v.Validate(context.Background(), checkURL).UpdatedAt)
}

func TestNewFromFile(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFromFile(&fakeNetwork{}, storage.NewCandidateFile(filepath.Join(dir, "missing.txt")), Options{})
	assert.Error(t, err)

	cf := storage.NewCandidateFile(filepath.Join(dir, "parsed_proxies.txt"))
	require.NoError(t, cf.Save([]model.Candidate{"1.1.1.1:80"}))

	n := &fakeNetwork{working: map[transport.Route]time.Duration{route(model.ProtocolHTTP, "1.1.1.1:80"): 0}}
	v, err := NewFromFile(n, cf, Options{GeoURL: geoURL})
	require.NoError(t, err)

	out := storage.NewJSONStore(filepath.Join(dir, "proxies.json"))
	store, err := v.ValidateAndSave(context.Background(), checkURL, out)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	loaded, err := out.Load()
	require.NoError(t, err)
	assert.Equal(t, store.Proxies, loaded.Proxies)
}

func TestValidateAndSave_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := storage.NewJSONStore(filepath.Join(t.TempDir(), "proxies.json"))

	_, err := NewValidator(&fakeNetwork{}, nil, Options{}).ValidateAndSave(ctx, checkURL, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, out.Exists())
}
