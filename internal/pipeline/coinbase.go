package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"candlepipe/internal/market"
)

// CoinbaseSource 基于 Coinbase Exchange 公共 REST /products/{id}/candles。
// 接口单次最多返回 300 根 K 线，start/end 使用 RFC3339，granularity 为秒。
type CoinbaseSource struct {
	baseURL string
	client  *http.Client
}

func NewCoinbaseSource(base string) *CoinbaseSource {
	if base == "" {
		base = "https://api.exchange.coinbase.com"
	}
	return &CoinbaseSource{
		baseURL: base,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *CoinbaseSource) Name() string { return "coinbase" }

func (c *CoinbaseSource) Fetch(ctx context.Context, req FetchRequest) (market.Candles, error) {
	if req.Product == "" {
		return nil, fmt.Errorf("product 不能为空")
	}
	if req.Granularity <= 0 {
		return nil, fmt.Errorf("granularity 需 > 0")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = "/products/" + req.Product + "/candles"
	q := u.Query()
	q.Set("start", time.Unix(req.Start, 0).UTC().Format(time.RFC3339))
	q.Set("end", time.Unix(req.End, 0).UTC().Format(time.RFC3339))
	q.Set("granularity", strconv.Itoa(req.Granularity))
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if msg := gjson.GetBytes(body, "message").String(); msg != "" {
			return nil, fmt.Errorf("coinbase 返回状态码 %d: %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("coinbase 返回状态码 %d", resp.StatusCode)
	}
	// 响应为 [[time, low, high, open, close, volume], ...]，time 为 Unix 秒，默认新→旧。
	var raw [][]float64
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	out := make(market.Candles, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		out = append(out, market.Candle{
			BarTime: int64(row[0]),
			Product: req.Product,
			Low:     row[1],
			High:    row[2],
			Open:    row[3],
			Close:   row[4],
			Volume:  row[5],
		})
	}
	out.SortAsc()
	return out, nil
}
