package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sort"
	"sync"
)

// NewAdminToken returns a random bearer token and its argon2id hash.
func NewAdminToken() (raw string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	hash, err = HashToken(raw)
	return raw, hash, err
}

// Verifier resolves bearer tokens to admin ids. Tokens that verified once are
// remembered by digest so argon2 runs once per token per process.
type Verifier struct {
	ids    []int64
	hashes map[int64]string

	mu    sync.Mutex
	known map[[sha256.Size]byte]int64
}

func NewVerifier(tokens map[int64]string) *Verifier {
	v := &Verifier{hashes: map[int64]string{}, known: map[[sha256.Size]byte]int64{}}
	for id, h := range tokens {
		v.ids = append(v.ids, id)
		v.hashes[id] = h
	}
	sort.Slice(v.ids, func(i, j int) bool { return v.ids[i] < v.ids[j] })
	return v
}

// Enabled is false when no admin tokens are configured.
func (v *Verifier) Enabled() bool { return len(v.ids) > 0 }

func (v *Verifier) Verify(token string) (int64, bool) {
	if token == "" {
		return 0, false
	}
	digest := sha256.Sum256([]byte(token))
	v.mu.Lock()
	id, ok := v.known[digest]
	v.mu.Unlock()
	if ok {
		return id, true
	}
	for _, id := range v.ids {
		if VerifyToken(v.hashes[id], token) {
			v.mu.Lock()
			v.known[digest] = id
			v.mu.Unlock()
			return id, true
		}
	}
	return 0, false
}
