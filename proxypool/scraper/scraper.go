package scraper

import (
	"context"

	"proxyhub/proxypool/model"
)

// Scraper 接口定义了从代理源抓取 candidate 的行为。
type Scraper interface {
	// Scrape 执行抓取操作，只负责抓取和词法提取，不进行验证。
	Scrape(ctx context.Context) ([]model.Candidate, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}
