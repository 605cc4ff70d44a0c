// Package tmdb はThe Movie Database (TMDB) APIのクライアントを提供する。
// レスポンスのキャッシュとリクエストのペース制御を含む。
package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/hitoshi/moviemate/internal/metrics"
	"github.com/hitoshi/moviemate/internal/model"
)

const (
	// DefaultBaseURL はTMDB API v3のベースURL。
	DefaultBaseURL = "https://api.themoviedb.org/3"
	// DefaultLanguage はレスポンスの言語。
	DefaultLanguage = "en-US"
	// MaxPages はTMDBが返す一覧の最大ページ数。
	MaxPages = 500

	defaultCacheTTL          = 10 * time.Minute
	defaultRequestsPerSecond = 40
	maxResponseSize          = 4 << 20
)

// ErrNotFound は指定した映画が存在しない場合のエラー。
var ErrNotFound = errors.New("tmdb: resource not found")

// ErrUnavailable はTMDBに到達できない、または応答を解釈できない場合のエラー。
var ErrUnavailable = errors.New("tmdb: service unavailable")

// StatusError はTMDBが2xx以外のステータスを返した場合のエラー。
type StatusError struct {
	Endpoint   string
	StatusCode int
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("tmdb: %s returned status %d", e.Endpoint, e.StatusCode)
}

// Category は映画一覧の種類。
type Category string

const (
	CategoryTrending Category = "trending"
	CategoryPopular  Category = "popular"
	CategoryTopRated Category = "top-rated"
)

// ParseCategory は文字列を一覧の種類に変換する。"top_rated"も受け付ける。
func ParseCategory(s string) (Category, bool) {
	switch Category(strings.ReplaceAll(s, "_", "-")) {
	case CategoryTrending:
		return CategoryTrending, true
	case CategoryPopular:
		return CategoryPopular, true
	case CategoryTopRated:
		return CategoryTopRated, true
	default:
		return "", false
	}
}

// Endpoint は一覧の種類に対応するTMDBのエンドポイントを返す。
func (c Category) Endpoint() string {
	switch c {
	case CategoryTrending:
		return "trending/movie/day"
	case CategoryTopRated:
		return "movie/top_rated"
	default:
		return "movie/popular"
	}
}

// Config はClientの設定。APIKey（v3）とReadAccessToken（v4）のどちらかが必要。
type Config struct {
	BaseURL         string
	APIKey          string
	ReadAccessToken string
	Language        string
	HTTPClient      *http.Client
	// CacheTTL はレスポンスキャッシュの保持時間。負の値でキャッシュを無効にする。
	CacheTTL time.Duration
	// RequestsPerSecond は外向きリクエストの上限。0の場合は既定値。
	RequestsPerSecond float64
	// MaxRetries は429/5xx・通信エラー時の再試行回数。0の場合は既定値、負の値で再試行しない。
	MaxRetries int
	// RetryBaseDelay は再試行の初回遅延。0の場合は既定値。
	RetryBaseDelay time.Duration
	Logger         *slog.Logger
	Metrics        metrics.MetricsCollector
}

// Client はTMDB APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	limiter    *rate.Limiter
	cache      *cache.Cache
	cacheTTL   time.Duration
	maxRetries int
	retryDelay time.Duration

	baseURL  string
	apiKey   string
	token    string
	language string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(cfg Config) *Client {
	c := &Client{
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		token:      cfg.ReadAccessToken,
		language:   cfg.Language,
		cacheTTL:   cfg.CacheTTL,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryBaseDelay,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop{}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.language == "" {
		c.language = DefaultLanguage
	}
	if c.cacheTTL == 0 {
		c.cacheTTL = defaultCacheTTL
	}
	if c.maxRetries == 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.retryDelay <= 0 {
		c.retryDelay = defaultRetryBaseDelay
	}
	if c.cacheTTL > 0 {
		c.cache = cache.New(c.cacheTTL, 2*c.cacheTTL)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	return c
}

// Fetch はエンドポイントを呼び出し、JSONレスポンスをoutにデコードする。
// 404はErrNotFound、それ以外の2xx以外はStatusErrorを返す。
// 429/5xxと通信エラーはMaxRetries回まで指数バックオフで再試行する。
func (c *Client) Fetch(ctx context.Context, endpoint string, params url.Values, out any) error {
	endpoint = strings.Trim(endpoint, "/")
	label := metricLabel(endpoint)

	q := url.Values{}
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("language", c.language)
	// キャッシュキーにはAPIキーを含めない
	key := endpoint + "?" + q.Encode()

	if c.cache != nil {
		if raw, ok := c.cache.Get(key); ok {
			c.metrics.RecordUpstreamCacheHit(label)
			return json.Unmarshal(raw.([]byte), out)
		}
	}

	if c.apiKey != "" && c.token == "" {
		q.Set("api_key", c.apiKey)
	}
	reqURL := c.baseURL + "/" + endpoint + "?" + q.Encode()

	var raw []byte
	var err error
	for attempt := 0; ; attempt++ {
		var delay time.Duration
		var retry bool
		raw, delay, retry, err = c.do(ctx, label, reqURL)
		if err == nil {
			break
		}
		if !retry || attempt >= c.maxRetries {
			return err
		}
		if delay <= 0 {
			delay = backoff(c.retryDelay, attempt)
		}
		c.logger.Warn("retrying TMDB request",
			slog.String("endpoint", label),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", err, ctx.Err())
		case <-timer.C:
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Error("failed to parse TMDB response",
			slog.String("endpoint", label),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: failed to parse response: %w", ErrUnavailable, err)
	}

	if c.cache != nil {
		c.cache.SetDefault(key, raw)
	}
	return nil
}

// do は1回分のリクエストを送信し、レスポンスボディを返す。
// retryがtrueの場合は時間をおいて再試行できる。delayはRetry-Afterで指定された待ち時間。
func (c *Client) do(ctx context.Context, label, reqURL string) (raw []byte, delay time.Duration, retry bool, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, false, fmt.Errorf("tmdb: rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("tmdb: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "MovieMate/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamCall(label, 0, time.Since(start))
		c.logger.Error("TMDB request failed",
			slog.String("endpoint", label),
			slog.String("error", err.Error()),
		)
		return nil, 0, ctx.Err() == nil, fmt.Errorf("%w: request to %s failed: %w", ErrUnavailable, label, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordUpstreamCall(label, resp.StatusCode, time.Since(start))

	switch classifyStatus(resp.StatusCode) {
	case outcomeOK:
	case outcomeNotFound:
		return nil, 0, false, fmt.Errorf("%w: %s", ErrNotFound, label)
	default:
		c.logger.Error("TMDB returned error status",
			slog.String("endpoint", label),
			slog.Int("http_status", resp.StatusCode),
		)
		retry = classifyStatus(resp.StatusCode) == outcomeRetry
		if retry {
			delay, _ = retryAfter(resp.Header)
		}
		return nil, delay, retry, &StatusError{Endpoint: label, StatusCode: resp.StatusCode}
	}

	raw, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, 0, true, fmt.Errorf("%w: failed to read response: %w", ErrUnavailable, err)
	}
	return raw, 0, false, nil
}

// FetchPage は一覧の指定ページを取得する。ページ番号とtotal_pagesは1〜500に丸める。
func (c *Client) FetchPage(ctx context.Context, category Category, page int) (*model.MoviePage, error) {
	params := url.Values{"page": {strconv.Itoa(ClampPage(page))}}
	var p model.MoviePage
	if err := c.Fetch(ctx, category.Endpoint(), params, &p); err != nil {
		return nil, err
	}
	return normalizePage(&p), nil
}

// Search はタイトルで映画を検索する。空のクエリはAPIを呼ばずに空の結果を返す。
func (c *Client) Search(ctx context.Context, query string, page int) (*model.MoviePage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &model.MoviePage{Page: 1, Results: []model.Movie{}}, nil
	}
	params := url.Values{
		"query": {query},
		"page":  {strconv.Itoa(ClampPage(page))},
	}
	var p model.MoviePage
	if err := c.Fetch(ctx, "search/movie", params, &p); err != nil {
		return nil, err
	}
	return normalizePage(&p), nil
}

// Details は映画の詳細を予告編・出演者と合わせて取得する。
func (c *Client) Details(ctx context.Context, id int) (*model.MovieDetails, error) {
	if id <= 0 {
		return nil, ErrNotFound
	}
	params := url.Values{"append_to_response": {"videos,credits"}}
	var d model.MovieDetails
	if err := c.Fetch(ctx, "movie/"+strconv.Itoa(id), params, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Videos は映画に紐づく動画の一覧を取得する。
func (c *Client) Videos(ctx context.Context, id int) ([]model.Video, error) {
	if id <= 0 {
		return nil, ErrNotFound
	}
	var resp struct {
		Results []model.Video `json:"results"`
	}
	if err := c.Fetch(ctx, "movie/"+strconv.Itoa(id)+"/videos", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		resp.Results = []model.Video{}
	}
	return resp.Results, nil
}

// ClampPage はページ番号を1〜MaxPagesに丸める。
func ClampPage(page int) int {
	switch {
	case page < 1:
		return 1
	case page > MaxPages:
		return MaxPages
	default:
		return page
	}
}

// ClampTotalPages は総ページ数をMaxPages以下に丸める。
func ClampTotalPages(total int) int {
	switch {
	case total < 0:
		return 0
	case total > MaxPages:
		return MaxPages
	default:
		return total
	}
}

func normalizePage(p *model.MoviePage) *model.MoviePage {
	p.TotalPages = ClampTotalPages(p.TotalPages)
	if p.Results == nil {
		p.Results = []model.Movie{}
	}
	return p
}

var numericSegment = regexp.MustCompile(`/\d+(/|$)`)

// metricLabel はエンドポイントの数値IDを置き換えてラベルの種類数を抑える。
func metricLabel(endpoint string) string {
	return numericSegment.ReplaceAllString(endpoint, "/{id}$1")
}
