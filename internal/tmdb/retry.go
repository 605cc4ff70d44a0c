package tmdb

import (
	"net/http"
	"strconv"
	"time"
)

// outcome はHTTPステータスコードに基づくリクエスト結果の分類。
type outcome int

const (
	// outcomeOK は成功（2xx）。
	outcomeOK outcome = iota
	// outcomeNotFound は対象が存在しない（404）。
	outcomeNotFound
	// outcomeRetry は時間をおいて再試行できる（429/5xx）。
	outcomeRetry
	// outcomeFail は再試行しても結果が変わらない（401/403など）。
	outcomeFail
)

const (
	// defaultMaxRetries は再試行回数の既定値。
	defaultMaxRetries = 2
	// defaultRetryBaseDelay は指数バックオフの初回遅延。
	defaultRetryBaseDelay = 200 * time.Millisecond
	// maxRetryDelay はバックオフとRetry-Afterの上限。
	maxRetryDelay = 2 * time.Second
)

// classifyStatus はHTTPステータスコードを結果に分類する。
func classifyStatus(statusCode int) outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return outcomeOK
	case statusCode == http.StatusNotFound:
		return outcomeNotFound
	case statusCode == http.StatusTooManyRequests:
		return outcomeRetry
	case statusCode >= 500:
		return outcomeRetry
	default:
		return outcomeFail
	}
}

// backoff は再試行回数（0始まり）に基づく指数バックオフ遅延を計算する。
// 初回base、2倍ずつ増加、最大maxRetryDelay。
func backoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return min(delay, maxRetryDelay)
}

// retryAfter はRetry-Afterヘッダー（秒数）を解釈する。
// 不正な値や上限を超える値の場合はfalseを返す。
func retryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryDelay {
		return 0, false
	}
	return d, true
}
