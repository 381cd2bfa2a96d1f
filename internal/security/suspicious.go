package security

import (
	"net/url"
	"regexp"
	"sync"
	"time"
)

// 不審リクエストのパターン。URL（デコード後）に対して照合する。
var suspiciousURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)select.+from.+where`),
	regexp.MustCompile(`(?i)union.+select`),
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`(?i)(\bcmd\.exe|\bpowershell\b|/bin/(ba)?sh\b)`),
	regexp.MustCompile(`(?i)exec\s*\(`),
}

// 脆弱性スキャナーのUser-Agent
var suspiciousUserAgents = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sqlmap`),
	regexp.MustCompile(`(?i)nmap`),
	regexp.MustCompile(`(?i)nikto`),
	regexp.MustCompile(`(?i)dirb`),
	regexp.MustCompile(`(?i)masscan`),
}

// DetectSuspicious はURLとUser-Agentが既知の攻撃パターンに一致するかを判定する。
// 一致した場合は理由を返す。判定は記録とブロック判断にのみ使い、リクエスト自体は拒否しない。
func DetectSuspicious(rawURL, userAgent string) (reason string, suspicious bool) {
	target := rawURL
	if decoded, err := url.QueryUnescape(rawURL); err == nil {
		target = decoded
	}
	for _, p := range suspiciousURLPatterns {
		if p.MatchString(target) {
			return "url_pattern", true
		}
	}
	for _, p := range suspiciousUserAgents {
		if p.MatchString(userAgent) {
			return "scanner_user_agent", true
		}
	}
	return "", false
}

// IPBlocker 既定値
const (
	DefaultSuspiciousThreshold = 5
	DefaultBlockDuration       = time.Hour
)

type suspicion struct {
	count    int
	lastSeen time.Time
}

// IPBlocker は不審なリクエストを繰り返すIPを一時的にブロックする。
// 閾値回数に達したIPはblockDurationの間ブロックされる。
type IPBlocker struct {
	mu            sync.Mutex
	threshold     int
	blockDuration time.Duration
	now           func() time.Time
	blocked       map[string]time.Time // ip -> ブロック解除時刻
	suspicious    map[string]*suspicion
}

// NewIPBlocker はIPBlockerを生成する。nowがnilの場合はtime.Nowを使う。
func NewIPBlocker(threshold int, blockDuration time.Duration, now func() time.Time) *IPBlocker {
	if threshold <= 0 {
		threshold = DefaultSuspiciousThreshold
	}
	if blockDuration <= 0 {
		blockDuration = DefaultBlockDuration
	}
	if now == nil {
		now = time.Now
	}
	return &IPBlocker{
		threshold:     threshold,
		blockDuration: blockDuration,
		now:           now,
		blocked:       make(map[string]time.Time),
		suspicious:    make(map[string]*suspicion),
	}
}

// IsBlocked はipが現在ブロック中かを返す。期限切れのブロックはここで解除する。
func (b *IPBlocker) IsBlocked(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.blocked[ip]
	if !ok {
		return false
	}
	if !b.now().Before(until) {
		delete(b.blocked, ip)
		return false
	}
	return true
}

// MarkSuspicious はipの不審カウントを1増やす。
// 閾値に達した場合はブロックし、trueを返す。
func (b *IPBlocker) MarkSuspicious(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	s, ok := b.suspicious[ip]
	if !ok {
		s = &suspicion{}
		b.suspicious[ip] = s
	}
	s.count++
	s.lastSeen = now

	if s.count >= b.threshold {
		b.blocked[ip] = now.Add(b.blockDuration)
		delete(b.suspicious, ip)
		return true
	}
	return false
}

// SuspiciousCount はipの現在の不審カウントを返す。
func (b *IPBlocker) SuspiciousCount(ip string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.suspicious[ip]; ok {
		return s.count
	}
	return 0
}

// Cleanup は1時間以上更新のない不審カウントと期限切れのブロックを削除し、削除件数を返す。
func (b *IPBlocker) Cleanup() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for ip, s := range b.suspicious {
		if now.Sub(s.lastSeen) > time.Hour {
			delete(b.suspicious, ip)
			removed++
		}
	}
	for ip, until := range b.blocked {
		if !now.Before(until) {
			delete(b.blocked, ip)
			removed++
		}
	}
	return removed
}
