package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

func redactRecord(rec Record, salt []byte) Record {
	if rec.UserID != "" {
		rec.UserID = hashString(rec.UserID, salt)
	}
	rec.Params = redactParams(rec.Params, salt)
	return rec
}

// redactParams replaces the params object with a salted hash of its
// canonical form.
func redactParams(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var payload map[string]interface{}
	canon, err := models.CanonicalJSON(raw)
	if err != nil {
		payload = map[string]interface{}{
			"params_hash":     hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
	} else {
		payload = map[string]interface{}{"params_hash": hashBytes(canon, salt)}
	}
	b, _ := json.Marshal(payload)
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
