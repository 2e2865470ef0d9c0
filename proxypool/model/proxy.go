package model

import (
	"strings"
	"time"
)

// Candidate 是从代理源抓取到的未经验证的 "ip:port" 字符串。
type Candidate string

// IP 返回 candidate 中最后一个 ':' 之前的部分。
func (c Candidate) IP() string {
	s := string(c)
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

func (c Candidate) String() string {
	return string(c)
}

// ProtocolType 是尝试通过代理转发请求时使用的协议方案。
type ProtocolType string

const (
	ProtocolHTTP   ProtocolType = "http"
	ProtocolHTTPS  ProtocolType = "https"
	ProtocolSOCKS4 ProtocolType = "socks4"
	ProtocolSOCKS5 ProtocolType = "socks5"
)

// AllProtocols 是每个 candidate 都要尝试的协议，按尝试顺序排列。
var AllProtocols = []ProtocolType{
	ProtocolHTTP,
	ProtocolHTTPS,
	ProtocolSOCKS4,
	ProtocolSOCKS5,
}

// Priority 用于合并同一 candidate 的多个验证结果: https > http > socks5 > socks4。
// 未知协议返回 0。
func (p ProtocolType) Priority() int {
	switch p {
	case ProtocolHTTPS:
		return 4
	case ProtocolHTTP:
		return 3
	case ProtocolSOCKS5:
		return 2
	case ProtocolSOCKS4:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of AllProtocols.
func (p ProtocolType) Valid() bool {
	return p.Priority() > 0
}

// ValidatedProxy 是经过验证的代理的元数据。Country/City 为空时不会被序列化。
type ValidatedProxy struct {
	Type    ProtocolType `json:"type"`
	Country string       `json:"country,omitempty"`
	City    string       `json:"city,omitempty"`
}

// ProxyStore 是当前代理池的唯一数据来源，每次刷新都会整体替换。
type ProxyStore struct {
	// UpdatedAt 记录验证开始的时间，而不是完成的时间。
	UpdatedAt time.Time
	Proxies   map[Candidate]ValidatedProxy
}

// NewProxyStore 创建一个空的 ProxyStore。
func NewProxyStore(updatedAt time.Time) *ProxyStore {
	return &ProxyStore{
		UpdatedAt: updatedAt,
		Proxies:   make(map[Candidate]ValidatedProxy),
	}
}

// Candidates returns the keys of the pool. Order is unspecified.
func (s *ProxyStore) Candidates() []Candidate {
	keys := make([]Candidate, 0, len(s.Proxies))
	for c := range s.Proxies {
		keys = append(keys, c)
	}
	return keys
}

// Len returns the number of validated proxies, excluding the timestamp marker.
func (s *ProxyStore) Len() int {
	return len(s.Proxies)
}
