package freepik

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/phrazzld/relay-api/internal/domain"
)

// StatusOther is any provider status outside the known set.
const StatusOther domain.Status = "OTHER"

// NormalizeStatus maps a provider status onto IN_PROGRESS, COMPLETED, FAILED
// or StatusOther.
func NormalizeStatus(raw string) domain.Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCEEDED", "COMPLETED":
		return domain.StatusCompleted
	case "ERROR", "FAILED":
		return domain.StatusFailed
	case "IN_PROGRESS", "CREATED", "PROCESSING", "QUEUED":
		return domain.StatusInProgress
	default:
		return StatusOther
	}
}

// envelope is the union of the provider's response shapes. Fields are kept
// raw and decoded one by one, so a field of an unexpected type is skipped
// instead of failing the whole body.
type envelope struct {
	TaskID    json.RawMessage `json:"task_id"`
	Status    json.RawMessage `json:"status"`
	Generated json.RawMessage `json:"generated"`
	Data      json.RawMessage `json:"data"`
}

// ParseBody extracts the upstream id, normalized status and result URLs from
// a provider JSON body. Fields under "data" take precedence over top-level
// ones. ok is false when body is not a JSON object.
func ParseBody(body []byte) (upstreamID string, status domain.Status, generated []string, ok bool) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", "", nil, false
	}
	id, rawStatus, urls := scalar(env.TaskID), scalar(env.Status), resultURLs(env.Generated)

	var nested envelope
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &nested) == nil {
		if v := scalar(nested.TaskID); v != "" {
			id = v
		}
		if v := scalar(nested.Status); v != "" {
			rawStatus = v
		}
		if v := resultURLs(nested.Generated); len(v) > 0 {
			urls = v
		}
	}
	return id, NormalizeStatus(rawStatus), urls, true
}

// scalar renders a JSON string or number as text. Anything else is "".
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

// resultURLs reads "generated": a list of URL strings or {"url": ...}
// objects, or a single string. Entries of any other shape are skipped.
func resultURLs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		if u := urlString(raw); u != "" {
			return []string{u}
		}
		return nil
	}
	var out []string
	for _, item := range items {
		if u := urlString(item); u != "" {
			out = append(out, u)
			continue
		}
		var obj struct {
			URL string `json:"url"`
		}
		if json.Unmarshal(item, &obj) == nil && strings.TrimSpace(obj.URL) != "" {
			out = append(out, strings.TrimSpace(obj.URL))
		}
	}
	return out
}

func urlString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
