package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はユーザーが入力した表示名・氏名からHTMLを取り除く。
type TextSanitizerService interface {
	// StripTags は全てのタグを除去し、空白を1つに詰めたプレーンテキストを返す。
	// 結果の長さはmaxRunes文字以内に切り詰める（0以下は無制限）。
	StripTags(s string, maxRunes int) string
}

// TextSanitizer はbluemondayのStrictPolicyを使うTextSanitizerServiceの実装。
// Policyは並行利用できる。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// StripTags はTextSanitizerServiceを実装する。
func (s *TextSanitizer) StripTags(in string, maxRunes int) string {
	// StrictPolicyは&や<をエスケープして返すため、プレーンテキストに戻す。
	text := html.UnescapeString(s.policy.Sanitize(in))

	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	if maxRunes > 0 {
		if r := []rune(text); len(r) > maxRunes {
			text = strings.TrimSpace(string(r[:maxRunes]))
		}
	}
	return text
}

var _ TextSanitizerService = (*TextSanitizer)(nil)
