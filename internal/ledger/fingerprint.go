package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"synthetic-data-orchestrator/internal/schema"
)

// Fingerprint computes a stable hash over the row's uniqueness fields.
// An empty field list means the whole row participates. Keys are sorted and
// values JSON-encoded so equal rows always hash equally regardless of map
// iteration order.
func Fingerprint(row schema.Row, uniquenessFields []string) string {
	fields := uniquenessFields
	if len(fields) == 0 {
		fields = make([]string, 0, len(row))
		for k := range row {
			fields = append(fields, k)
		}
	} else {
		fields = append([]string(nil), fields...)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, k := range fields {
		encoded, err := json.Marshal(row[k])
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", row[k]))
		}
		parts = append(parts, k+": "+string(encoded))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, " | ")))
	return hex.EncodeToString(sum[:])
}
