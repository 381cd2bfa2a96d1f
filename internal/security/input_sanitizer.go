package security

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// InputSanitizer はユーザー入力の自由記述欄（氏名、会社名など）から
// HTMLタグと制御文字を取り除く。
// bluemondayのStrictPolicyを使うため、すべてのタグが除去される。
type InputSanitizer struct {
	policy *bluemonday.Policy
}

// NewInputSanitizer はInputSanitizerを生成する。
func NewInputSanitizer() *InputSanitizer {
	return &InputSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はテキストからHTMLと制御文字を除去し、前後の空白を取り除く。
// bluemondayはエスケープした文字列を返すため、表示用ではなく保存用の値として扱う。
func (s *InputSanitizer) SanitizeText(input string) string {
	cleaned := s.policy.Sanitize(input)
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)
	return strings.TrimSpace(cleaned)
}
