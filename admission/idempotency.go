package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Input is one tenant submission as seen by the admission controller.
type Input struct {
	TemplateType string
	Prompt       string
	// IdempotencyKey, if non-empty, is used verbatim instead of the
	// computed fingerprint.
	IdempotencyKey string
}

// FingerprintKey computes the deterministic idempotency key for a
// submission: a SHA-256 digest over the ordered (tenant, template, prompt)
// tuple. Identical submissions always resolve to the same key, which is
// what collapses double-clicks and network retries onto one job.
func FingerprintKey(tenantID string, in Input) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%s", tenantID, in.TemplateType, in.Prompt))
	return "gen_" + hex.EncodeToString(sum[:])
}

// ResolveKey returns the caller-supplied key (trimmed) when present,
// otherwise the computed fingerprint.
func ResolveKey(tenantID string, in Input) string {
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		return key
	}
	return FingerprintKey(tenantID, in)
}
