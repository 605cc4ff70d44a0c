// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

var (
	// ErrInvalidURL はURLの形式やスキームが不正な場合のエラー。
	ErrInvalidURL = errors.New("invalid URL")
	// ErrBlockedURL は内部ネットワーク宛てのURLが拒否された場合のエラー。
	ErrBlockedURL = errors.New("blocked URL")
)

// SSRFGuardService はSSRF防止機能のインターフェースを定義する。
// アバターURLの保存時と、URLからのアバター取り込み時に使用される。
type SSRFGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// 接続時にDNS解決後のIPアドレスを検証し、内部ネットワークへの接続を拒否する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	// 形式不正はErrInvalidURL、内部宛てはErrBlockedURLをラップして返す。
	ValidateURL(rawURL string) error
}

// allowedSchemes はSSRF防止で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はValidateURLで拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10", // CGNAT (RFC 6598)
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// SSRFGuard はSSRFGuardServiceの実装。
type SSRFGuard struct{}

// NewSSRFGuard はSSRFGuardの新しいインスタンスを生成する。
func NewSSRFGuard() *SSRFGuard {
	return &SSRFGuard{}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを生成する。
// 許可するのはhttp/httpsの80・443番ポートのみ。
// safeurlはDialerのControlフックで接続先IPを検証するため、DNS再バインディングも防げる。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はURLの安全性を事前に検証する。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("%w: disallowed scheme %q", ErrInvalidURL, scheme)
	}
	if parsed.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrInvalidURL)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("%w: address %s", ErrBlockedURL, ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("%w: host %s", ErrBlockedURL, host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPv4射影アドレスも含めて拒否対象かどうかを判定する。
func isBlockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsUnspecified() {
		return true
	}
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	if strings.HasSuffix(lower, ".localhost") {
		return true
	}
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ SSRFGuardService = (*SSRFGuard)(nil)
