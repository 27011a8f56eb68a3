package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/meshwire/meshcore/internal/wire"
)

const (
	rotationMin          = 5 * time.Minute
	rotationMax          = 15 * time.Minute
	emergencyRotationMin = 1 * time.Minute
	emergencyRotationMax = 5 * time.Minute
	historyCapacity      = 100
)

func generateX25519() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// randDuration samples uniformly in [lo, hi) using crypto/rand, matching
// the jitter requirement of spec §4.2/§3 without pulling in math/rand's
// process-global state.
func randDuration(lo, hi time.Duration) time.Duration {
	span := int64(hi - lo)
	if span <= 0 {
		return lo
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := int64(binary.BigEndian.Uint64(b[:])) % span
	if n < 0 {
		n = -n
	}
	return lo + time.Duration(n)
}

// NextRotationInterval returns the delay until the next scheduled rotation,
// collapsed to the emergency window when emergency is true (spec §4.2).
func NextRotationInterval(emergency bool) time.Duration {
	if emergency {
		return randDuration(emergencyRotationMin, emergencyRotationMax)
	}
	return randDuration(rotationMin, rotationMax)
}

// derivePeerID computes SHA-256(long_term_public || ephemeral_public) and
// truncates it to the 12-hex-character rotating identifier (spec §3).
func derivePeerID(longTermPub, ephemeralPub []byte) wire.PeerID {
	h := sha256.New()
	h.Write(longTermPub)
	h.Write(ephemeralPub)
	return wire.PeerIDFromDigest(h.Sum(nil))
}

// PeerIDRotated mirrors the facade event of the same name (spec §4.2,
// §4.8) so callers outside the engine package can still observe a rotation
// without importing it.
type PeerIDRotated struct {
	Old wire.PeerID
	New wire.PeerID
}
