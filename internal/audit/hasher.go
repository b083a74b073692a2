package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/docuvault/docuvault/internal/db/models"
	"github.com/docuvault/docuvault/pkg/canonical"
)

// HashPrefix identifies the digest algorithm in stored record hashes, so the
// algorithm can be rotated later without ambiguity about old rows.
const HashPrefix = "sha256:"

// HashFields extracts the semantic fields of a record into the canonical map
// that gets hashed. seq and created_at are store-assigned bookkeeping and are
// deliberately excluded: the hash covers what happened, not where the store
// filed it. Absent optional fields are omitted entirely, which canonical
// encoding keeps distinct from present-but-empty.
func HashFields(log *models.AuditLog) map[string]string {
	fields := map[string]string{
		"id":          log.ID,
		"action_type": string(log.ActionType),
		"description": log.Description,
		"status":      string(log.Status),
		"timestamp":   log.Timestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	}
	putOptional(fields, "resource_type", log.ResourceType)
	putOptional(fields, "resource_id", log.ResourceID)
	putOptional(fields, "user_id", log.UserID)
	putOptional(fields, "user_email", log.UserEmail)
	putOptional(fields, "user_role", log.UserRole)
	putOptional(fields, "ip_address", log.IPAddress)
	putOptional(fields, "user_agent", log.UserAgent)
	putOptional(fields, "session_id", log.SessionID)

	if log.Details != nil {
		// json.Marshal sorts map keys, so this encoding is deterministic.
		if b, err := json.Marshal(log.Details); err == nil {
			fields["details"] = string(b)
		}
	}
	return fields
}

// ComputeHash produces the record hash for the given fields, chained onto the
// previous record's hash. previousHash is "" for the first record and for
// unchained records. The digest covers previousHash plus the canonical field
// encoding, so any change to an earlier record invalidates every later hash.
func ComputeHash(fields map[string]string, previousHash string) string {
	payload := previousHash + "|" + canonical.Encode(fields)
	sum := sha256.Sum256([]byte(payload))
	return HashPrefix + hex.EncodeToString(sum[:])
}

// VerifyRecord recomputes a stored record's hash from its fields and the
// given previous hash and reports whether it matches what is stored.
func VerifyRecord(log *models.AuditLog, previousHash string) bool {
	return ComputeHash(HashFields(log), previousHash) == log.RecordHash
}

func putOptional(fields map[string]string, key string, value *string) {
	if value != nil {
		fields[key] = *value
	}
}
