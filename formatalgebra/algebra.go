// Package formatalgebra is the dependency-injected "FormatAlgebra"
// spec.md §1/§9 calls out: media-format grammar intersection is delegated
// to this external algebra rather than hard-coded into port.FilterFormats.
package formatalgebra

import (
	"strings"

	"github.com/pinos-project/pinosclient/internal/cos"
)

// Format is an opaque, parsed media-format value. Port and Context code
// never inspects it directly; they pass it through Algebra.
type Format interface {
	// raw returns the byte string the format was parsed from (for an
	// Intersect result, its String() rendering). String() itself rebuilds
	// its output from the parsed specs.
	raw() string
}

// Algebra is the dependency-injected format grammar: parse, intersect,
// test-empty, and stringify an opaque Format (spec.md §9).
type Algebra interface {
	Parse(raw []byte) (Format, error)
	// Intersect returns the common ground between a and b. When
	// preferLeft is true, ties and ordering favor a's ordering over b's,
	// matching "preferring the left operand's ordering" in spec.md §4.2.
	Intersect(a, b Format, preferLeft bool) (Format, error)
	IsEmpty(f Format) bool
	String(f Format) string
}

// spec is one `type/subtype;key=value;...` entry in a mimeFormat.
type spec struct {
	typ, subtype string
	params       map[string]string
	order        []string // param insertion order, for stable String()
}

// mimeFormat is an ordered list of specs — the closest Go-native analog
// to the GStreamer-style caps the pinos/PipeWire wire format actually
// uses (see original_source/pinos/client/port.c and spa/include/spa/
// event.h, both of which pass around opaque SpaFormat/SpaProps blobs).
type mimeFormat struct {
	raws  string
	specs []spec
}

func (f *mimeFormat) raw() string { return f.raws }

// Mime is the default Algebra implementation.
type Mime struct{}

var _ Algebra = Mime{}

func (Mime) Parse(raw []byte) (Format, error) {
	s := string(raw)
	f := &mimeFormat{raws: s}
	if strings.TrimSpace(s) == "" {
		return f, nil
	}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ";")
		ts := strings.SplitN(strings.TrimSpace(parts[0]), "/", 2)
		if len(ts) != 2 || ts[0] == "" || ts[1] == "" {
			return nil, cos.NewInvalidArgument("malformed format spec %q", entry)
		}
		sp := spec{typ: ts[0], subtype: ts[1], params: map[string]string{}}
		for _, kv := range parts[1:] {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			eq := strings.IndexByte(kv, '=')
			if eq < 0 {
				return nil, cos.NewInvalidArgument("malformed format parameter %q", kv)
			}
			k, v := kv[:eq], kv[eq+1:]
			sp.params[k] = v
			sp.order = append(sp.order, k)
		}
		f.specs = append(f.specs, sp)
	}
	return f, nil
}

func (Mime) IsEmpty(f Format) bool {
	mf, ok := f.(*mimeFormat)
	return !ok || len(mf.specs) == 0
}

func (Mime) String(f Format) string {
	mf, ok := f.(*mimeFormat)
	if !ok {
		return ""
	}
	var parts []string
	for _, sp := range mf.specs {
		var b strings.Builder
		b.WriteString(sp.typ)
		b.WriteByte('/')
		b.WriteString(sp.subtype)
		for _, k := range sp.order {
			b.WriteByte(';')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(sp.params[k])
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ",")
}

// Intersect keeps every spec in a whose (type, subtype) also appears in
// b, merging the parameters of each matching pair: a key set on only one
// side is kept, a key set to the same value on both sides is kept once,
// and a key set to different values is dropped. preferLeft controls
// whose spec order and parameter order come first in the result.
func (m Mime) Intersect(a, b Format, preferLeft bool) (Format, error) {
	af, aok := a.(*mimeFormat)
	bf, bok := b.(*mimeFormat)
	if !aok || !bok {
		return nil, cos.NewInvalidArgument("intersect: not a mime format")
	}
	left, right := af, bf
	if !preferLeft {
		left, right = bf, af
	}
	out := &mimeFormat{}
	for _, ls := range left.specs {
		for _, rs := range right.specs {
			if ls.typ != rs.typ || ls.subtype != rs.subtype {
				continue
			}
			merged := mergeSpec(ls, rs)
			out.specs = append(out.specs, merged)
		}
	}
	out.raws = m.String(out)
	return out, nil
}

func mergeSpec(left, right spec) spec {
	out := spec{typ: left.typ, subtype: left.subtype, params: map[string]string{}}
	seen := map[string]bool{}
	for _, k := range left.order {
		lv, lok := left.params[k]
		rv, rok := right.params[k]
		seen[k] = true
		switch {
		case lok && rok && lv != rv:
			// conflicting constraint on both sides: drop it entirely
		case lok:
			out.params[k] = lv
			out.order = append(out.order, k)
		}
	}
	for _, k := range right.order {
		if seen[k] {
			continue
		}
		out.params[k] = right.params[k]
		out.order = append(out.order, k)
	}
	return out
}
