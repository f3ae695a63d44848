package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

// TokenStore 保存静态 bearer token 的摘要，比较时使用常量时间。
type TokenStore struct {
	digests [][sha256.Size]byte
}

// NewTokenStore 构造 TokenStore，忽略空白 token。
func NewTokenStore(tokens []string) *TokenStore {
	store := &TokenStore{}
	seen := make(map[[sha256.Size]byte]struct{}, len(tokens))
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		digest := sha256.Sum256([]byte(token))
		if _, ok := seen[digest]; ok {
			continue
		}
		seen[digest] = struct{}{}
		store.digests = append(store.digests, digest)
	}
	return store
}

// Len 返回有效 token 数量。
func (s *TokenStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.digests)
}

// Lookup 返回 token 的序号，用于审计日志中区分调用方而不暴露 token 本身。
func (s *TokenStore) Lookup(token string) (int, bool) {
	if s == nil {
		return 0, false
	}
	digest := sha256.Sum256([]byte(token))
	match := -1
	for i := range s.digests {
		if subtle.ConstantTimeCompare(digest[:], s.digests[i][:]) == 1 {
			match = i
		}
	}
	return match, match >= 0
}
