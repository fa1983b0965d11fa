package event

import (
	"encoding/json"
	"time"
)

// DeadLetterBody 死信格式 = 原消息字段 + attempts + lastFailureReason + deadLetteredAt。
// 原消息不是 JSON 对象时整体放进 rawPayload。
func DeadLetterBody(body []byte, attempts int, reason string, at time.Time) []byte {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		fields = map[string]json.RawMessage{}
		raw, _ := json.Marshal(string(body))
		fields["rawPayload"] = raw
	}

	fields["attempts"], _ = json.Marshal(attempts)
	fields["lastFailureReason"], _ = json.Marshal(reason)
	fields["deadLetteredAt"], _ = json.Marshal(at.UTC())

	out, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return out
}
