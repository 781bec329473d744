package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
)

// Detail keys whose values are hashed when redaction is on. Webhook paths
// routinely embed per-agent secrets, and raw responses are training data
// that does not belong on the audit trail.
var sensitiveKeys = map[string]struct{}{
	"webhook_url":  {},
	"raw_response": {},
	"response":     {},
}

func redactDetail(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var detail map[string]interface{}
	if err := json.Unmarshal(raw, &detail); err != nil {
		payload := map[string]interface{}{
			"detail_hash":     hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	for key := range detail {
		if _, sensitive := sensitiveKeys[key]; !sensitive {
			continue
		}
		val, ok := detail[key].(string)
		if !ok {
			continue
		}
		if key == "webhook_url" {
			detail[key] = RedactWebhookURL(val, salt)
			continue
		}
		detail[key+"_hash"] = hashString(val, salt)
		delete(detail, key)
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return raw
	}
	return b
}

// RedactWebhookURL keeps scheme and host for debugging and replaces the
// rest of the URL with a salted hash.
func RedactWebhookURL(raw string, salt []byte) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return hashString(raw, salt)
	}
	return u.Scheme + "://" + u.Host + "/#" + hashString(raw, salt)[:12]
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
