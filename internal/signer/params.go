package signer

import (
	"net/url"
	"strings"
)

// Params is a query/body parameter set that encodes in insertion order.
// Venues that sign the encoded string need the caller's order preserved,
// which url.Values does not do.
type Params struct {
	keys   []string
	values map[string]string
}

func NewParams() *Params {
	return &Params{values: make(map[string]string)}
}

// Set replaces the value of key, keeping its original position, or appends it.
func (p *Params) Set(key, value string) *Params {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
	return p
}

func (p *Params) Get(key string) string {
	if p == nil {
		return ""
	}
	return p.values[key]
}

func (p *Params) Has(key string) bool {
	if p == nil {
		return false
	}
	_, ok := p.values[key]
	return ok
}

func (p *Params) Del(key string) {
	if p == nil {
		return
	}
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

func (p *Params) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

func (p *Params) Clone() *Params {
	out := NewParams()
	if p == nil {
		return out
	}
	for _, k := range p.keys {
		out.Set(k, p.values[k])
	}
	return out
}

// Encode renders key=value pairs joined by '&' with form escaping, in insertion order.
func (p *Params) Encode() string {
	if p.Len() == 0 {
		return ""
	}
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.values[k]))
	}
	return b.String()
}
