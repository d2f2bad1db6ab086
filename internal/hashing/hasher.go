package hashing

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"exchange-service/internal/config"
	"exchange-service/internal/util"
)

var ErrInvalidDigest = errors.New("invalid share token digest")

type Pepper struct {
	key     []byte
	Version int
}

// Hasher derives lookup digests for share tokens. Raw share tokens are never
// persisted; the store keys them by a keyed BLAKE2b-256 digest so a leaked
// table cannot be replayed as QR codes.
type Hasher struct {
	currentPepper *Pepper
	oldPeppers    []*Pepper
}

func NewHasher(cfg *config.Config) *Hasher {
	h := &Hasher{}

	// Old peppers keep their position as version; the current one is last.
	for i, value := range cfg.Hashing.OldPeppers {
		h.oldPeppers = append(h.oldPeppers, newPepper(value, i+1))
	}
	h.currentPepper = newPepper(cfg.Hashing.Pepper, len(cfg.Hashing.OldPeppers)+1)

	util.Info("Share token hasher initialized",
		zap.Int("pepper_version", h.currentPepper.Version),
		zap.Int("old_peppers", len(h.oldPeppers)),
	)
	return h
}

func newPepper(value string, version int) *Pepper {
	key := blake2b.Sum256([]byte(value))
	return &Pepper{key: key[:], Version: version}
}

// DigestShareToken returns the digest under the current pepper.
func (h *Hasher) DigestShareToken(token string) string {
	return digest(h.currentPepper, token)
}

// CandidateDigests returns the digest under every known pepper, current
// first, so tokens issued before a rotation still resolve.
func (h *Hasher) CandidateDigests(token string) []string {
	out := []string{digest(h.currentPepper, token)}
	for i := len(h.oldPeppers) - 1; i >= 0; i-- {
		out = append(out, digest(h.oldPeppers[i], token))
	}
	return out
}

// PepperVersion extracts the version prefix of a digest.
func PepperVersion(d string) (int, error) {
	prefix, _, ok := strings.Cut(d, ".")
	if !ok || !strings.HasPrefix(prefix, "v") {
		return 0, ErrInvalidDigest
	}
	v, err := strconv.Atoi(prefix[1:])
	if err != nil {
		return 0, ErrInvalidDigest
	}
	return v, nil
}

func digest(p *Pepper, token string) string {
	mac, err := blake2b.New256(p.key)
	if err != nil {
		// Only reachable with a key longer than 64 bytes.
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	_, _ = mac.Write([]byte(token))
	return "v" + strconv.Itoa(p.Version) + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// GenerateToken returns n random bytes encoded as unpadded base64url.
func GenerateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
