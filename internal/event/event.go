// Package event models the immutable activity records that rules are
// evaluated against. Three disjoint shapes exist and are told apart by the
// fields they carry, not by an explicit tag.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Kind 标识事件来源。
type Kind string

const (
	// KindCodeHosting 代码托管事件，携带 repository 字段。
	KindCodeHosting Kind = "github"
	// KindSocial 社交互动事件，携带 username 与 data 字段。
	KindSocial Kind = "twitter"
	// KindOnChain 链上事件，携带 network 与 blockNumber 字段。
	KindOnChain Kind = "onchain"
)

// Valid 判断 Kind 是否受支持。
func (k Kind) Valid() bool {
	switch k {
	case KindCodeHosting, KindSocial, KindOnChain:
		return true
	default:
		return false
	}
}

// Event 是外部输入的只读记录。
type Event struct {
	Kind        Kind           `json:"-"`
	Type        string         `json:"type,omitempty"`
	Repository  string         `json:"repository,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Username    string         `json:"username,omitempty"`
	Network     string         `json:"network,omitempty"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`

	raw []byte
}

// NewCodeHosting 构造代码托管事件。
func NewCodeHosting(eventType, repository, actor string, ts time.Time, data map[string]any) *Event {
	e := &Event{Kind: KindCodeHosting, Type: eventType, Repository: repository, Actor: actor, Timestamp: ts, Data: cloneData(data)}
	e.raw = e.encode()
	return e
}

// NewSocial 构造社交互动事件。
func NewSocial(username string, ts time.Time, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	e := &Event{Kind: KindSocial, Username: username, Timestamp: ts, Data: cloneData(data)}
	e.raw = e.encode()
	return e
}

// NewOnChain 构造链上事件，fields 中的附加字段（from、to、value 等）与 network 平级。
func NewOnChain(network string, blockNumber uint64, ts time.Time, fields map[string]any) *Event {
	e := &Event{Kind: KindOnChain, Network: network, BlockNumber: blockNumber, Timestamp: ts, Data: cloneData(fields)}
	e.raw = e.encode()
	return e
}

// Lookup 以 gjson 路径读取事件文档中的字段，例如 "data.likes"、"repository"。
func (e *Event) Lookup(path string) gjson.Result {
	if e == nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(e.document(), path)
}

// Field 读取字段，先按完整路径读取，不存在时再读取 data 下的同名字段。
func (e *Event) Field(name string) gjson.Result {
	if res := e.Lookup(name); res.Exists() {
		return res
	}
	return e.Lookup("data." + name)
}

// Metric 读取数值型指标，数字字符串（如链上 value）同样有效。
func (e *Event) Metric(name string) (decimal.Decimal, bool) {
	return Number(e.Field(name))
}

// Number 将 gjson 结果转换为十进制数。
func Number(res gjson.Result) (decimal.Decimal, bool) {
	switch res.Type {
	case gjson.Number:
		d, err := decimal.NewFromString(res.Raw)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case gjson.String:
		d, err := decimal.NewFromString(strings.TrimSpace(res.Str))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

// Handle 返回事件发起者在其平台上的用户名。
func (e *Event) Handle() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case KindCodeHosting:
		return e.Actor
	case KindSocial:
		return strings.TrimPrefix(e.Username, "@")
	default:
		return ""
	}
}

// MarshalJSON 输出与输入相同结构的事件文档。
func (e *Event) MarshalJSON() ([]byte, error) {
	return e.document(), nil
}

func (e *Event) document() []byte {
	if len(e.raw) > 0 {
		return e.raw
	}
	return e.encode()
}

func (e *Event) encode() []byte {
	doc := make(map[string]any, 8)
	if !e.Timestamp.IsZero() {
		doc["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	switch e.Kind {
	case KindCodeHosting:
		doc["type"] = e.Type
		doc["repository"] = e.Repository
		doc["actor"] = e.Actor
		doc["data"] = nonNil(e.Data)
	case KindSocial:
		doc["username"] = e.Username
		doc["data"] = nonNil(e.Data)
	case KindOnChain:
		for k, v := range e.Data {
			doc[k] = v
		}
		doc["network"] = e.Network
		doc["blockNumber"] = e.BlockNumber
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return []byte("{}")
	}
	return encoded
}

func nonNil(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
