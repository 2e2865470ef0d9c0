package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"proxyhub/internal/shared/logger"
	"proxyhub/proxypool/model"
)

const (
	updatedAtKey = "updated_at"

	// TimestampLayout 是 updated_at 的写入格式 (本地时间，无时区)。
	TimestampLayout = "2006-01-02 15:04:05.000000"
	// 解析时秒后面的小数部分是可选的。
	parseLayout = "2006-01-02 15:04:05"

	indent = "    "
)

var (
	// ErrMalformedTimestamp 表示持久化的 updated_at 缺失或无法解析。
	ErrMalformedTimestamp = errors.New("malformed updated_at timestamp")
	// ErrNotExist 表示存储文件不存在。
	ErrNotExist = errors.New("store file does not exist")
)

// Store 接口定义了代理池数据持久化的行为。
type Store interface {
	Exists() bool
	Load() (*model.ProxyStore, error)
	Save(store *model.ProxyStore) error
}

// JSONStore 实现了 Store 接口，使用单个 JSON 文件进行持久化。
// 文件顶层对象包含 updated_at 和每个已验证代理一个键。
type JSONStore struct {
	filePath string
	mu       sync.RWMutex
}

// NewJSONStore 创建一个新的 JSONStore 实例。
func NewJSONStore(filePath string) *JSONStore {
	return &JSONStore{
		filePath: filePath,
	}
}

// Path returns the backing file path.
func (s *JSONStore) Path() string {
	return s.filePath
}

// Exists reports whether the store file is present.
func (s *JSONStore) Exists() bool {
	_, err := os.Stat(s.filePath)
	return err == nil
}

// Load 从 JSON 文件加载代理池。
func (s *JSONStore) Load() (*model.ProxyStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, s.filePath)
		}
		return nil, err
	}
	return decodeStore(data)
}

// Save 将代理池完整写入 JSON 文件 (不合并)。
func (s *JSONStore) Save(store *model.ProxyStore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := logger.WithComponent("ProxyHub/Storage")

	data, err := encodeStore(store)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.filePath, data, 0644); err != nil {
		return err
	}

	l.Info().Int("count", store.Len()).Str("path", s.filePath).Msg("Proxies saved.")
	return nil
}

// FormatTimestamp formats t the way updated_at is persisted.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return t.Format(TimestampLayout)
	}
	return t.In(time.Local).Format(TimestampLayout)
}

// ParseTimestamp parses a persisted updated_at value. RFC 3339 is accepted as well.
func ParseTimestamp(v string) (time.Time, error) {
	if t, err := time.ParseInLocation(parseLayout, v, time.Local); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, v)
}

func encodeStore(store *model.ProxyStore) ([]byte, error) {
	doc := make(map[string]interface{}, store.Len()+1)
	doc[updatedAtKey] = FormatTimestamp(store.UpdatedAt)
	for c, p := range store.Proxies {
		doc[string(c)] = p
	}
	data, err := json.MarshalIndent(doc, "", indent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proxy store: %w", err)
	}
	return data, nil
}

func decodeStore(data []byte) (*model.ProxyStore, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse proxy store: %w", err)
	}

	raw, ok := doc[updatedAtKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedTimestamp, updatedAtKey)
	}
	var ts string
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	updatedAt, err := ParseTimestamp(ts)
	if err != nil {
		return nil, err
	}

	store := model.NewProxyStore(updatedAt)
	for key, value := range doc {
		if key == updatedAtKey {
			continue
		}
		var p model.ValidatedProxy
		if err := json.Unmarshal(value, &p); err != nil {
			return nil, fmt.Errorf("failed to parse entry %s: %w", key, err)
		}
		store.Proxies[model.Candidate(key)] = p
	}
	return store, nil
}

// CandidateFile 是抓取结果的纯文本文件，每行一个 ip:port。
type CandidateFile struct {
	filePath string
	mu       sync.RWMutex
}

// NewCandidateFile 创建一个新的 CandidateFile 实例。
func NewCandidateFile(filePath string) *CandidateFile {
	return &CandidateFile{filePath: filePath}
}

// Path returns the backing file path.
func (f *CandidateFile) Path() string {
	return f.filePath
}

// Save 覆盖写入 candidates，先去重并排序。
func (f *CandidateFile) Save(candidates []model.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unique := Dedupe(candidates)
	var sb strings.Builder
	for _, c := range unique {
		sb.WriteString(string(c))
		sb.WriteString("\n")
	}

	if err := os.WriteFile(f.filePath, []byte(sb.String()), 0644); err != nil {
		return err
	}

	l := logger.WithComponent("ProxyHub/Storage")
	l.Info().
		Int("count", len(unique)).
		Str("path", f.filePath).
		Msg("Candidates saved.")
	return nil
}

// Load 逐行读取 candidates，忽略空行。
func (f *CandidateFile) Load() ([]model.Candidate, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	file, err := os.Open(f.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open candidate file: %w", err)
	}
	defer file.Close()

	var candidates []model.Candidate
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		candidates = append(candidates, model.Candidate(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candidate file: %w", err)
	}
	return candidates, nil
}

// Dedupe returns the distinct candidates in sorted order.
func Dedupe(candidates []model.Candidate) []model.Candidate {
	seen := make(map[model.Candidate]struct{}, len(candidates))
	unique := make([]model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		unique = append(unique, c)
	}
	sort.Slice(unique, func(i, j int) bool {
		return unique[i] < unique[j]
	})
	return unique
}
