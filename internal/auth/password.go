package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var errMalformedHash = errors.New("malformed argon2id hash")

type argonParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
	keyLen  uint32
}

// Admin tokens are 32 random bytes, so a light parameter set is enough.
var tokenParams = argonParams{memory: 32 * 1024, time: 2, threads: 1, keyLen: 32}

const saltLen = 16

type argonHash struct {
	params argonParams
	salt   []byte
	key    []byte
}

func (h argonHash) String() string {
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.memory, h.params.time, h.params.threads,
		b64.EncodeToString(h.salt), b64.EncodeToString(h.key))
}

func parseArgonHash(encoded string) (argonHash, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return argonHash{}, errMalformedHash
	}
	var h argonHash
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &h.params.memory, &h.params.time, &h.params.threads); err != nil {
		return argonHash{}, errMalformedHash
	}
	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil {
		return argonHash{}, errMalformedHash
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(fields[5]); err != nil || len(h.key) == 0 {
		return argonHash{}, errMalformedHash
	}
	h.params.keyLen = uint32(len(h.key))
	return h, nil
}

func derive(secret string, salt []byte, p argonParams) []byte {
	return argon2.IDKey([]byte(secret), salt, p.time, p.memory, p.threads, p.keyLen)
}

// HashToken encodes secret in the PHC argon2id format accepted by ADMIN_TOKENS.
func HashToken(secret string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	h := argonHash{params: tokenParams, salt: salt, key: derive(secret, salt, tokenParams)}
	return h.String(), nil
}

func VerifyToken(encoded, secret string) bool {
	h, err := parseArgonHash(encoded)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(h.key, derive(secret, h.salt, h.params)) == 1
}
