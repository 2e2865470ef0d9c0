package manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"proxyhub/internal/shared/logger"
	"proxyhub/internal/shared/types"
	"proxyhub/proxypool/model"
	"proxyhub/proxypool/scraper"
	"proxyhub/proxypool/storage"
	"proxyhub/proxypool/transport"
	"proxyhub/proxypool/validator"
)

// ErrNoProxies 表示代理池为空 (例如刷新后所有验证都失败了)。
var ErrNoProxies = errors.New("no validated proxies in pool")

// GetOptions 控制 Get 是否以及何时触发刷新。
type GetOptions struct {
	// CheckURL 为空时使用配置中的 check_url。
	CheckURL string
	// ForceRefresh 无条件刷新，优先于 AllowRefresh。
	ForceRefresh bool
	// AllowRefresh 允许在代理池过期时刷新。
	AllowRefresh bool
}

// DefaultGetOptions 返回默认选项：允许过期刷新，不强制刷新。
func DefaultGetOptions() GetOptions {
	return GetOptions{AllowRefresh: true}
}

// RefreshEvent 描述一次完成 (或失败) 的刷新周期。
type RefreshEvent struct {
	CycleID    string    `json:"cycle_id"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
	Candidates int       `json:"candidates"`
	Validated  int       `json:"validated"`
	Error      string    `json:"error,omitempty"`
}

// Manager 是代理池模块的总控制器：判断过期、执行 抓取 -> 验证 -> 存储 周期，并随机提供代理。
type Manager struct {
	cfg        types.HubConf
	fetcher    transport.Fetcher
	store      storage.Store
	candidates *storage.CandidateFile
	harvester  *scraper.Harvester
	now        func() time.Time

	refreshMu sync.Mutex         // 同一进程内的刷新串行执行
	stale     singleflight.Group // 合并并发的过期刷新

	listenersMu sync.RWMutex
	listeners   []func(RefreshEvent)
}

// NewManager 创建代理池管理器。调用方需要先调用 Setup。
func NewManager(cfg *types.Config, fetcher transport.Fetcher, store storage.Store, candidates *storage.CandidateFile) *Manager {
	hub := cfg.HubConf
	return &Manager{
		cfg:        hub,
		fetcher:    fetcher,
		store:      store,
		candidates: candidates,
		harvester: scraper.NewHarvester(
			fetcher,
			candidates,
			time.Duration(hub.SourceTimeoutSeconds)*time.Second,
			hub.Workers,
		),
		now: time.Now,
	}
}

// Setup 在存储文件不存在时，用最小时间戳创建一个空的代理池，使第一次 Get 必然刷新。
func (m *Manager) Setup() error {
	if m.store.Exists() {
		return nil
	}
	l := logger.WithComponent("ProxyHub/Manager")
	l.Info().Msg("Store not found, creating an empty one.")
	return m.store.Save(model.NewProxyStore(time.Time{}))
}

// TTL returns the configured maximum age of the pool.
func (m *Manager) TTL() time.Duration {
	return time.Duration(m.cfg.TTLHours) * time.Hour
}

// IsStale reports whether updatedAt + TTL is already in the past.
func (m *Manager) IsStale(updatedAt time.Time) bool {
	return updatedAt.Add(m.TTL()).Before(m.now())
}

// OnRefresh 注册一个在每次刷新周期结束后调用的回调。
func (m *Manager) OnRefresh(fn func(RefreshEvent)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Snapshot 返回当前持久化的代理池。
func (m *Manager) Snapshot() (*model.ProxyStore, error) {
	return m.store.Load()
}

// Get 返回一个随机选择的已验证代理。
// 需要刷新时最多刷新一次，然后从刚写入的代理池中读取；不会在同一次调用中再次判断过期。
func (m *Manager) Get(ctx context.Context, opts GetOptions) (model.Candidate, model.ValidatedProxy, error) {
	l := logger.WithComponent("ProxyHub/Manager")

	store, err := m.store.Load()
	if err != nil {
		return "", model.ValidatedProxy{}, err
	}

	if opts.ForceRefresh || (opts.AllowRefresh && m.IsStale(store.UpdatedAt)) {
		l.Info().
			Bool("force", opts.ForceRefresh).
			Str("updated_at", storage.FormatTimestamp(store.UpdatedAt)).
			Msg("Proxies outdated, refreshing...")
		if opts.ForceRefresh {
			_, err = m.Refresh(ctx, opts.CheckURL)
		} else {
			err = m.refreshStale(ctx, opts.CheckURL)
		}
		if err != nil {
			return "", model.ValidatedProxy{}, err
		}
		l.Info().Msg("Proxies refreshed.")

		if store, err = m.store.Load(); err != nil {
			return "", model.ValidatedProxy{}, err
		}
	}

	return pick(store)
}

// Refresh 执行一个完整的 抓取 -> 验证 -> 存储 周期，完整替换持久化的代理池。
func (m *Manager) Refresh(ctx context.Context, checkURL string) (*model.ProxyStore, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if checkURL == "" {
		checkURL = m.cfg.CheckURL
	}

	event := RefreshEvent{
		CycleID: uuid.NewString(),
		Started: m.now(),
	}
	l := logger.WithComponent("ProxyHub/Manager").With().Str("cycle_id", event.CycleID).Logger()
	l.Info().Str("check_url", checkURL).Msg("Starting refresh cycle...")

	store, err := m.refresh(ctx, checkURL, &event)

	event.Finished = m.now()
	if err != nil {
		event.Error = err.Error()
		l.Error().Err(err).Msg("Refresh cycle failed.")
	} else {
		l.Info().
			Int("candidates", event.Candidates).
			Int("validated", event.Validated).
			Dur("elapsed", event.Finished.Sub(event.Started)).
			Msg("Refresh cycle finished.")
	}
	m.notify(event)

	return store, err
}

// refreshStale 刷新一个过期的代理池。并发调用共享同一个刷新周期；
// 等到轮到自己时代理池已经被别人刷新过，就不再刷新。
func (m *Manager) refreshStale(ctx context.Context, checkURL string) error {
	_, err, _ := m.stale.Do(checkURL, func() (interface{}, error) {
		if store, err := m.store.Load(); err == nil && !m.IsStale(store.UpdatedAt) {
			return store, nil
		}
		return m.Refresh(ctx, checkURL)
	})
	return err
}

func (m *Manager) refresh(ctx context.Context, checkURL string, event *RefreshEvent) (*model.ProxyStore, error) {
	candidates, err := m.harvester.Harvest(ctx, m.cfg.Sources)
	if err != nil {
		return nil, err
	}
	event.Candidates = len(candidates)

	v, err := validator.NewFromFile(m.fetcher, m.candidates, validator.Options{
		Timeout: time.Duration(m.cfg.TimeoutSeconds) * time.Second,
		Workers: m.cfg.Workers,
		GeoURL:  m.cfg.GeoURL,
		Now:     m.now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	store, err := v.ValidateAndSave(ctx, checkURL, m.store)
	if err != nil {
		return nil, err
	}
	event.Validated = store.Len()
	return store, nil
}

func (m *Manager) notify(event RefreshEvent) {
	m.listenersMu.RLock()
	listeners := append([]func(RefreshEvent){}, m.listeners...)
	m.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// pick 从代理池中均匀随机选择一个代理。
func pick(store *model.ProxyStore) (model.Candidate, model.ValidatedProxy, error) {
	keys := store.Candidates()
	if len(keys) == 0 {
		return "", model.ValidatedProxy{}, ErrNoProxies
	}
	c := keys[rand.Intn(len(keys))]
	return c, store.Proxies[c], nil
}
