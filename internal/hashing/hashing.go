// Package hashing derives privacy-preserving, salt-epoch-scoped user keys
// from raw user identifiers.
package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/Dv04/DAU-MAU-counter/internal/domain"
)

// SaltManager derives per-day salts from a rotation cadence so that a key
// derived from the same user on two days within the same epoch is identical,
// while keys derived in different epochs are unlinkable.
type SaltManager struct {
	secret       []byte
	rotationDays int
}

// NewSaltManager builds a SaltManager from a configured secret. A secret
// prefixed with "b64:" is base64-decoded first, matching the original
// service's convention for binary secrets passed through the environment.
func NewSaltManager(secret string, rotationDays int) (*SaltManager, error) {
	if rotationDays < 1 {
		return nil, fmt.Errorf("rotationDays must be >= 1, got %d", rotationDays)
	}
	raw, err := decodeSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("decode hash salt secret: %w", err)
	}
	return &SaltManager{secret: raw, rotationDays: rotationDays}, nil
}

// ResolveSecret picks the secret/rotation cadence a SaltManager should be
// built from: the latest persisted salt epoch if one exists and today is
// strictly after its effective date, otherwise the statically configured
// fallback. This is how a rotation recorded via Pipeline.RotateSalt actually
// reaches key derivation on the next process start.
func ResolveSecret(latest *domain.SaltEpoch, fallbackSecret string, fallbackRotationDays int, today time.Time) (string, int) {
	if latest == nil {
		return fallbackSecret, fallbackRotationDays
	}
	effective, err := time.Parse("2006-01-02", latest.EffectiveDate)
	if err != nil || today.Before(effective.AddDate(0, 0, 1)) {
		return fallbackSecret, fallbackRotationDays
	}
	return string(latest.Secret), latest.RotationDays
}

func decodeSecret(secret string) ([]byte, error) {
	if strings.HasPrefix(secret, "b64:") {
		return base64.StdEncoding.DecodeString(secret[4:])
	}
	return []byte(secret), nil
}

// unixEpochOrdinal is the proleptic-Gregorian ordinal of 1970-01-01
// (day 1 being 0001-01-01).
const unixEpochOrdinal = 719163

// epochFor returns the rotation epoch number for a calendar day, matching
// day.toordinal() // rotation_days from the reference implementation. Go's
// time package has no ordinal date, so the ordinal is computed as days since
// the Unix epoch plus the ordinal of 1970-01-01.
func (m *SaltManager) epochFor(day time.Time) int64 {
	days := day.Unix()/86400 + unixEpochOrdinal
	return days / int64(m.rotationDays)
}

// SaltForDay returns the HMAC salt in effect for the given day. The salt
// depends only on the epoch, not the day itself, so that a key derived for
// the same user on any two days within one epoch is identical: stability
// within an epoch is what lets rolling_union dedupe a user across the MAU
// window instead of counting them once per day.
func (m *SaltManager) SaltForDay(day time.Time) []byte {
	epoch := m.epochFor(day)
	message := fmt.Sprintf("%d", epoch)
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// DeriveKey computes the per-epoch pseudonymized key for userID on day,
// stable within a salt epoch and unlinkable across epochs.
func (m *SaltManager) DeriveKey(userID string, day time.Time) domain.UserKey {
	salt := m.SaltForDay(day)
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(userID))
	var key domain.UserKey
	copy(key[:], mac.Sum(nil))
	return key
}

// DeriveRoot computes a rotation-independent digest of userID, used only to
// index which days a user has ever been active on regardless of which salt
// epoch those days fall in.
func (m *SaltManager) DeriveRoot(userID string) domain.UserRoot {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(userID))
	var root domain.UserRoot
	copy(root[:], mac.Sum(nil))
	return root
}

// GenerateRandomSecret produces a fresh "b64:"-prefixed secret suitable for
// HASH_SALT_SECRET, for operators rotating the salt via the CLI.
func GenerateRandomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random secret: %w", err)
	}
	return "b64:" + base64.StdEncoding.EncodeToString(buf), nil
}

// SketchHash64 folds a UserKey into the uniform 64-bit space the sketches
// operate over. blake2b is used instead of truncating sha256 directly so
// that the low bits retain full avalanche behavior, matching how the
// bottom-k estimator assumes a uniform hash.
func SketchHash64(key domain.UserKey) uint64 {
	sum := blake2b.Sum512(key[:])
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(sum[i])
	}
	return v
}
