package issuance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/samternent/concord/pkg/canonicalize"
)

// ISOWeek renders t's ISO 8601 week in UTC, e.g. "2026-W06".
func ISOWeek(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// WeeklyDropID is the drop identifier for a weekly cycle.
func WeeklyDropID(week string) string {
	return "week-" + week
}

// WeeklyRequestID derives the packRequestId of a weekly pack so that the
// same user asking twice in one cycle lands on the same request.
func WeeklyRequestID(userKey, week, seriesID, themeID string) (string, error) {
	return canonicalize.CanonicalHash(map[string]string{
		"packType":    PackTypeWeekly,
		"dropCycleId": week,
		"userKey":     userKey,
		"seriesId":    seriesID,
		"themeId":     themeID,
	})
}

// DeriveWeeklySecret expands the issuer master seed into the server secret
// for one weekly request. The result is 32 bytes, hex encoded.
func DeriveWeeklySecret(masterSeed []byte, packRequestID string) (string, error) {
	if len(masterSeed) == 0 {
		return "", fmt.Errorf("weekly secret: empty master seed")
	}
	r := hkdf.New(sha256.New, masterSeed, []byte("concord-weekly-pack"), []byte(packRequestID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("weekly secret: %w", err)
	}
	return hex.EncodeToString(out), nil
}
