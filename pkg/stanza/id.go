package stanza

import (
	"fmt"
	"strings"
)

// ID 不可变的复合地址
//
// 格式为 owner@domain/resource，三部分均可为空：
//   - Domain: 处理该地址的 Component 名称
//   - Owner: 地址所属的实体（用户、房间等）
//   - Resource: 同一 Owner 下的具体实例（连接、设备等）
//
// ID 是值类型，可直接比较，可作为 map 的 key。
type ID struct {
	Domain   string
	Owner    string
	Resource string
}

// NewID 创建 ID
func NewID(domain, owner, resource string) ID {
	return ID{Domain: domain, Owner: owner, Resource: resource}
}

// ParseID 解析 owner@domain/resource 格式的字符串
//
// 没有 '@' 时整个前缀视为 Domain；资源部分以第一个 '/' 分隔。
func ParseID(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("stanza: parse id: empty string")
	}

	var id ID
	rest := s
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		id.Owner = rest[:at]
		rest = rest[at+1:]
		if id.Owner == "" {
			return ID{}, fmt.Errorf("stanza: parse id %q: empty owner", s)
		}
	}
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		id.Resource = rest[slash+1:]
		rest = rest[:slash]
		if id.Resource == "" {
			return ID{}, fmt.Errorf("stanza: parse id %q: empty resource", s)
		}
	}
	id.Domain = rest
	if id.Domain == "" {
		return ID{}, fmt.Errorf("stanza: parse id %q: empty domain", s)
	}
	return id, nil
}

// MustParseID 同 ParseID，解析失败时 panic，用于硬编码的地址
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String 返回 owner@domain/resource 形式
func (id ID) String() string {
	var b strings.Builder
	b.Grow(len(id.Owner) + len(id.Domain) + len(id.Resource) + 2)
	if id.Owner != "" {
		b.WriteString(id.Owner)
		b.WriteByte('@')
	}
	b.WriteString(id.Domain)
	if id.Resource != "" {
		b.WriteByte('/')
		b.WriteString(id.Resource)
	}
	return b.String()
}

// Bare 返回去掉 Resource 的地址
func (id ID) Bare() ID {
	return ID{Domain: id.Domain, Owner: id.Owner}
}

// WithResource 返回替换了 Resource 的副本
func (id ID) WithResource(resource string) ID {
	id.Resource = resource
	return id
}

// IsZero reports whether every part of the ID is empty.
func (id ID) IsZero() bool {
	return id == ID{}
}

// MarshalText 实现 encoding.TextMarshaler
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (id *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*id = ID{}
		return nil
	}
	parsed, err := ParseID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
