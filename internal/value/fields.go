package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
)

// Field is a single named value.
type Field struct {
	Name  string
	Value Value
}

// F is a shorthand for Field for ergonomic construction.
// Example: NewFields(F("nome_aluno", String("Ana")), F("ativo", Bool(true)))
func F(name string, v Value) Field {
	return Field{Name: name, Value: v}
}

// Fields is a schema-less ordered mapping of field name to Value.
//
// Insertion order is preserved: Set on an existing name keeps its position,
// Set on a new name appends. The zero value is an empty, usable Fields.
// Fields is not safe for concurrent mutation.
type Fields struct {
	entries []Field
	index   map[string]int
}

// NewFields builds Fields from the given entries. A repeated name keeps its
// first position and its last value. A nil Value is stored as Null.
func NewFields(fields ...Field) Fields {
	var f Fields
	for _, field := range fields {
		f.Set(field.Name, field.Value)
	}
	return f
}

// FromMap converts a native map into Fields. Keys are sorted so that the
// resulting order is deterministic.
func FromMap(m map[string]any) (Fields, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var f Fields
	for _, k := range keys {
		v, err := FromAny(m[k])
		if err != nil {
			return Fields{}, fmt.Errorf("field %q: %w", k, err)
		}
		f.Set(k, v)
	}
	return f, nil
}

// Len returns the number of fields.
func (f Fields) Len() int {
	return len(f.entries)
}

// Get returns the value stored under name.
func (f Fields) Get(name string) (Value, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.entries[i].Value, true
}

// Set stores v under name.
func (f *Fields) Set(name string, v Value) {
	if v == nil {
		v = Null{}
	}
	if i, ok := f.index[name]; ok {
		f.entries[i].Value = v
		return
	}
	if f.index == nil {
		f.index = make(map[string]int)
	}
	f.index[name] = len(f.entries)
	f.entries = append(f.entries, Field{Name: name, Value: v})
}

// Delete removes name and reports whether it was present.
func (f *Fields) Delete(name string) bool {
	i, ok := f.index[name]
	if !ok {
		return false
	}
	f.entries = append(f.entries[:i], f.entries[i+1:]...)
	delete(f.index, name)
	for j := i; j < len(f.entries); j++ {
		f.index[f.entries[j].Name] = j
	}
	return true
}

// Names returns field names in order.
func (f Fields) Names() []string {
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.Name
	}
	return names
}

// Entries returns a copy of the ordered entries.
func (f Fields) Entries() []Field {
	out := make([]Field, len(f.entries))
	copy(out, f.entries)
	return out
}

// All iterates fields in order.
func (f Fields) All() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		for _, e := range f.entries {
			if !yield(e.Name, e.Value) {
				return
			}
		}
	}
}

// Clone returns an independent copy.
func (f Fields) Clone() Fields {
	return NewFields(f.entries...)
}

// Merge returns a copy of f with every field of partial applied on top.
// Existing names keep their position; new names are appended in partial's
// order.
func (f Fields) Merge(partial Fields) Fields {
	out := f.Clone()
	for _, e := range partial.entries {
		out.Set(e.Name, e.Value)
	}
	return out
}

// Normalize returns a copy with every string value NFC-normalized.
func (f Fields) Normalize() Fields {
	var out Fields
	for _, e := range f.entries {
		out.Set(e.Name, Normalize(e.Value))
	}
	return out
}

// Equal reports whether both hold the same names with equal values.
// Order is not significant.
func (f Fields) Equal(other Fields) bool {
	if f.Len() != other.Len() {
		return false
	}
	for _, e := range f.entries {
		ov, ok := other.Get(e.Name)
		if !ok || !Equal(e.Value, ov) {
			return false
		}
	}
	return true
}

// Map converts the fields to a native map (see ToAny).
func (f Fields) Map() map[string]any {
	m := make(map[string]any, len(f.entries))
	for _, e := range f.entries {
		m[e.Name] = ToAny(e.Value)
	}
	return m
}

// Kinds returns the kind of every field whose kind cannot be recovered from
// plain JSON. Only timestamps qualify today: they are encoded as strings.
func (f Fields) Kinds() map[string]Kind {
	kinds := make(map[string]Kind)
	for _, e := range f.entries {
		if e.Value.Kind() == KindTimestamp {
			kinds[e.Name] = KindTimestamp
		}
	}
	return kinds
}

// MarshalJSON encodes the fields as a JSON object in insertion order.
// Timestamps are written as TimestampLayout strings.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range f.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(e.Name)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", e.Name, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalValue(e.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", e.Name, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat JSON object preserving key order.
// Nested objects and arrays are rejected; timestamps decode as String (use
// DecodeFields with kind hints to restore them).
func (f *Fields) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeFields(data, nil)
	if err != nil {
		return err
	}
	*f = decoded
	return nil
}

// MarshalValue marshals a single Value to JSON.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Number:
		return json.Marshal(float64(val))
	case Bool:
		return json.Marshal(bool(val))
	case Timestamp:
		return json.Marshal(val.String())
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

// DecodeFields decodes a flat JSON object into ordered Fields. kinds maps
// field names to the kind they must be restored to; only KindTimestamp hints
// change the decoded value.
func DecodeFields(data []byte, kinds map[string]Kind) (Fields, error) {
	var out Fields
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Fields{}, fmt.Errorf("decode fields: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Fields{}, fmt.Errorf("decode fields: expected object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Fields{}, fmt.Errorf("decode fields: %w", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return Fields{}, fmt.Errorf("decode fields: expected key, got %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return Fields{}, fmt.Errorf("decode field %q: %w", name, err)
		}
		v, err := unmarshalValue(raw)
		if err != nil {
			return Fields{}, fmt.Errorf("decode field %q: %w", name, err)
		}
		if kinds[name] == KindTimestamp {
			if s, ok := v.(String); ok {
				ts, err := ParseTimestamp(string(s))
				if err != nil {
					return Fields{}, fmt.Errorf("decode field %q: %w", name, err)
				}
				v = ts
			}
		}
		out.Set(name, v)
	}

	if _, err := dec.Token(); err != nil {
		return Fields{}, fmt.Errorf("decode fields: %w", err)
	}
	return out, nil
}

// unmarshalValue decodes one JSON scalar into a Value.
func unmarshalValue(data []byte) (Value, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil

	case 'n':
		return Null{}, nil

	case '{', '[':
		return nil, fmt.Errorf("%w: nested JSON values are not supported", ErrUnsupported)

	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		return FromAny(n)
	}
}
