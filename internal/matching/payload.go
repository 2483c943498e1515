package matching

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type matchEntry struct {
	TransactionName string `json:"transactionName"`
	GroupName       string `json:"groupName"`
}

// Matches 交易名 -> 分组名，键为规范化后的名称
type Matches map[string]string

// DecodeMatches 支持 {"交易名":"分组名"} 和 [{"transactionName","groupName"}] 两种格式
func DecodeMatches(raw json.RawMessage) (Matches, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: response is empty", ErrInvalidRequest)
	}

	out := make(Matches)

	switch raw[0] {
	case '{':
		var m map[string]string
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: decode response: %w", ErrInvalidRequest, err)
		}
		for tx, group := range m {
			out.add(tx, group)
		}
	case '[':
		var entries []matchEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("%w: decode response: %w", ErrInvalidRequest, err)
		}
		for _, e := range entries {
			out.add(e.TransactionName, e.GroupName)
		}
	default:
		return nil, fmt.Errorf("%w: response must be an object or a list", ErrInvalidRequest)
	}

	return out, nil
}

func (m Matches) add(tx, group string) {
	key := nameKey(tx)
	group = strings.TrimSpace(group)
	if key == "" || group == "" {
		return
	}
	m[key] = group
}

// Group 按交易名查找匹配的分组名
func (m Matches) Group(transactionName string) (string, bool) {
	g, ok := m[nameKey(transactionName)]
	return g, ok
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
