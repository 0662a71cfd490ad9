package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gridtokenx/apigateway/pkg/database"
)

// Fingerprint computes keccak256(opType || canonical(payload)). canonical is
// Go's encoding/json marshal of a fixed struct: field order follows
// declaration order, never map[string]interface{}, so a given payload value
// has exactly one encoding. This is the concrete form of submit's step 1 and
// the idempotency gate the operation store's unique index enforces.
//
// payload MUST be a struct value (or pointer to one), never a map, so that
// the encoding is stable across Go versions and builds.
func Fingerprint(opType database.OperationType, payload interface{}) ([]byte, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload for %s: %w", opType, err)
	}

	data := make([]byte, 0, len(opType)+len(canonical))
	data = append(data, []byte(opType)...)
	data = append(data, canonical...)

	return crypto.Keccak256(data), nil
}
