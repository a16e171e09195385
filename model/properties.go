package model

import (
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// Properties is an ordered key→value mapping (spec.md §3), used for both
// Context.properties and Port.properties. Neither pctx.New nor the port
// package adds keys of its own: a Context holds "application.name" only
// if the caller set it (pinosctl does), and a Port's bag stays as its
// owner fills it.
//
// Ordering matters for wire compatibility with the daemon's a{sv}
// marshaling, so this keeps an ordered key slice alongside the value map,
// behind a mutex, rather than a plain map alone.
type Properties struct {
	mu   sync.RWMutex
	keys []string
	vals map[string]string
}

// NewProperties returns an empty, ready-to-use Properties.
func NewProperties() *Properties {
	return &Properties{vals: make(map[string]string)}
}

// Set inserts or updates key, preserving first-insertion order.
func (p *Properties) Set(key, val string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.vals[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = val
}

// Get returns the value for key and whether it was present.
func (p *Properties) Get(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.vals[key]
	return v, ok
}

// Delete removes key, if present.
func (p *Properties) Delete(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.vals[key]; !ok {
		return
	}
	delete(p.vals, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the ordered key list (a copy; safe to range over).
func (p *Properties) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Clone returns a deep, independently-mutable copy.
func (p *Properties) Clone() *Properties {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := NewProperties()
	out.keys = append(out.keys, p.keys...)
	for k, v := range p.vals {
		out.vals[k] = v
	}
	return out
}

// MarshalJSON renders properties as an ordered JSON object, matching the
// style of cmn/cos's custom MarshalJSON implementations in the teacher
// corpus (e.g. FsID) rather than a plain encoding/json struct tag.
func (p *Properties) MarshalJSON() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := jsoniter.Marshal(k)
		vb, _ := jsoniter.Marshal(p.vals[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func (p *Properties) String() string {
	b, _ := p.MarshalJSON()
	return string(b)
}
