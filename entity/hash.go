package entity

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// KindSpec declares, per entity kind, which payload fields participate in
// the content hash and whether the kind requires embeddable text. Volatile
// fields (fetch timestamps, server revision tags) are excluded by simply not
// listing them.
type KindSpec struct {
	Name string

	// ContentFields are the payload keys hashed for change detection, in
	// any order. Empty means every payload field is content-relevant.
	ContentFields []string

	// RequireEmbeddableText makes an empty EmbeddableText an
	// ErrInvalidEntity at hash time.
	RequireEmbeddableText bool
}

// Hasher computes canonical content hashes. Kind specs are registered
// explicitly at startup; unknown kinds hash the full payload.
type Hasher struct {
	specs map[string]KindSpec
}

// NewHasher returns a Hasher with the given kind specs registered.
func NewHasher(specs ...KindSpec) *Hasher {
	h := &Hasher{specs: make(map[string]KindSpec, len(specs))}
	for _, s := range specs {
		h.specs[s.Name] = s
	}
	return h
}

// RegisterKind adds or replaces a kind spec.
func (h *Hasher) RegisterKind(s KindSpec) {
	h.specs[s.Name] = s
}

// Hash returns the 32-byte content hash of e. The hash covers the
// content-relevant payload fields plus the embeddable text, canonicalized so
// that two independent computations over identical content produce identical
// bytes: map keys sorted, text NFC-normalized, floats in shortest
// round-trip form.
func (h *Hasher) Hash(e Entity) ([]byte, error) {
	spec, ok := h.specs[e.Kind]
	if ok && spec.RequireEmbeddableText && e.EmbeddableText == "" {
		return nil, fmt.Errorf("%w: kind %q requires embeddable_text (entity %s)", ErrInvalidEntity, e.Kind, e.EntityID)
	}

	payload := e.Payload
	if ok && len(spec.ContentFields) > 0 {
		payload = make(map[string]interface{}, len(spec.ContentFields))
		for _, f := range spec.ContentFields {
			if v, present := e.Payload[f]; present {
				payload[f] = v
			}
		}
	}

	sum := sha256.New()
	writeCanonical(sum, payload)
	sum.Write([]byte{0})
	sum.Write([]byte(norm.NFC.String(e.EmbeddableText)))
	return sum.Sum(nil), nil
}

// EqualContent reports whether two entities carry identical content-relevant
// fields under this hasher's specs.
func (h *Hasher) EqualContent(a, b Entity) (bool, error) {
	ha, err := h.Hash(a)
	if err != nil {
		return false, err
	}
	hb, err := h.Hash(b)
	if err != nil {
		return false, err
	}
	return string(ha) == string(hb), nil
}

type canonicalWriter interface {
	Write(p []byte) (int, error)
}

// writeCanonical streams a deterministic encoding of v. Maps are emitted
// with sorted keys, sequences in order, strings NFC-normalized, numbers in a
// fixed textual form. Type tags keep "1" (string) distinct from 1 (number).
func writeCanonical(w canonicalWriter, v interface{}) {
	switch vv := v.(type) {
	case nil:
		w.Write([]byte("z"))
	case bool:
		if vv {
			w.Write([]byte("b1"))
		} else {
			w.Write([]byte("b0"))
		}
	case string:
		s := norm.NFC.String(vv)
		w.Write([]byte("s" + strconv.Itoa(len(s)) + ":"))
		w.Write([]byte(s))
	case float64:
		w.Write([]byte("f" + strconv.FormatFloat(vv, 'g', -1, 64)))
	case float32:
		w.Write([]byte("f" + strconv.FormatFloat(float64(vv), 'g', -1, 64)))
	case int:
		w.Write([]byte("i" + strconv.FormatInt(int64(vv), 10)))
	case int32:
		w.Write([]byte("i" + strconv.FormatInt(int64(vv), 10)))
	case int64:
		w.Write([]byte("i" + strconv.FormatInt(vv, 10)))
	case uint64:
		w.Write([]byte("i" + strconv.FormatUint(vv, 10)))
	case []byte:
		w.Write([]byte("y" + strconv.Itoa(len(vv)) + ":"))
		w.Write(vv)
	case []interface{}:
		w.Write([]byte("["))
		for _, el := range vv {
			writeCanonical(w, el)
			w.Write([]byte(","))
		}
		w.Write([]byte("]"))
	case []string:
		w.Write([]byte("["))
		for _, el := range vv {
			writeCanonical(w, el)
			w.Write([]byte(","))
		}
		w.Write([]byte("]"))
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Write([]byte("{"))
		for _, k := range keys {
			writeCanonical(w, k)
			w.Write([]byte("="))
			writeCanonical(w, vv[k])
			w.Write([]byte(";"))
		}
		w.Write([]byte("}"))
	default:
		// Unknown types fall back to their formatted value. Connectors
		// emitting custom types should convert to maps first.
		w.Write([]byte("?" + fmt.Sprintf("%v", vv)))
	}
}
