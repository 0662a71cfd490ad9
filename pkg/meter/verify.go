package meter

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/database"
)

// readingMessage builds the canonical byte sequence a reading's signature
// covers: the meter id, the reading type, the unix-second timestamp and the
// whole-watt-hour quantity, hashed the same way go-ethereum style typed data
// is pre-hashed before signing, scaled down to this core's single signature
// scheme.
func readingMessage(meterID uuid.UUID, readingType database.ReadingType, ts time.Time, kWh float64) []byte {
	var buf []byte
	buf = append(buf, meterID[:]...)
	buf = append(buf, []byte(readingType)...)

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(ts.Unix()))
	buf = append(buf, tsBuf[:]...)

	var whBuf [8]byte
	binary.LittleEndian.PutUint64(whBuf[:], uint64(wattHours(kWh)))
	buf = append(buf, whBuf[:]...)

	sum := sha256.Sum256(buf)
	return sum[:]
}

// wattHours converts a fractional kWh reading into the whole-watt-hour
// integer the meter registry's counters are kept in.
func wattHours(kWh float64) int64 {
	return int64(kWh*1000 + 0.5)
}

// verifyReadingSignature reports whether sig is a valid Ed25519 signature
// over the reading's canonical message under the meter's registered public
// key. A malformed key or signature is treated as a verification failure,
// not an error, since the only thing the caller does with the result is
// reject the reading.
func verifyReadingSignature(publicKey []byte, meterID uuid.UUID, readingType database.ReadingType, ts time.Time, kWh float64, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg := readingMessage(meterID, readingType, ts, kWh)
	return ed25519.Verify(publicKey, msg, sig)
}
