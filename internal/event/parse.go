package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrInvalidJSON 表示事件不是合法的 JSON 对象。
	ErrInvalidJSON = errors.New("event: invalid json document")
	// ErrUnknownShape 表示事件不符合任何一种已知结构。
	ErrUnknownShape = errors.New("event: unknown event shape")
)

var onChainCoreFields = map[string]struct{}{
	"network":     {},
	"blockNumber": {},
	"timestamp":   {},
}

// Parse 解析外部事件文档，并根据字段结构判断事件类型。
func Parse(raw []byte) (*Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, ErrInvalidJSON
	}

	kind, err := classify(root)
	if err != nil {
		return nil, err
	}

	ts, err := parseTimestamp(root.Get("timestamp"))
	if err != nil {
		return nil, err
	}

	e := &Event{Kind: kind, Timestamp: ts, raw: append([]byte(nil), raw...)}
	switch kind {
	case KindCodeHosting:
		e.Type = root.Get("type").String()
		e.Repository = root.Get("repository").String()
		e.Actor = root.Get("actor").String()
		e.Data = objectOf(root.Get("data"))
	case KindSocial:
		e.Username = root.Get("username").String()
		e.Data = objectOf(root.Get("data"))
	case KindOnChain:
		e.Network = root.Get("network").String()
		e.BlockNumber = root.Get("blockNumber").Uint()
		fields := make(map[string]any)
		root.ForEach(func(key, value gjson.Result) bool {
			if _, core := onChainCoreFields[key.String()]; !core {
				fields[key.String()] = value.Value()
			}
			return true
		})
		e.Data = fields
	}
	return e, nil
}

func classify(root gjson.Result) (Kind, error) {
	switch {
	case root.Get("repository").Exists():
		return KindCodeHosting, nil
	case root.Get("network").Exists() && root.Get("blockNumber").Exists():
		return KindOnChain, nil
	case root.Get("username").Exists() && root.Get("data").Exists():
		return KindSocial, nil
	default:
		return "", ErrUnknownShape
	}
}

func parseTimestamp(res gjson.Result) (time.Time, error) {
	switch res.Type {
	case gjson.Null:
		return time.Time{}, nil
	case gjson.Number:
		n := res.Int()
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	case gjson.String:
		ts, err := time.Parse(time.RFC3339Nano, res.Str)
		if err != nil {
			return time.Time{}, fmt.Errorf("event: invalid timestamp %q: %w", res.Str, err)
		}
		return ts.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("event: unsupported timestamp %s", res.Raw)
	}
}

func objectOf(res gjson.Result) map[string]any {
	if !res.IsObject() {
		return map[string]any{}
	}
	if m, ok := res.Value().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
