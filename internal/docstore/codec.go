package docstore

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// document is the stored form of a record. Fields are a list, not a map, so
// that insertion order survives the round trip.
type document struct {
	Collection string     `cbor:"1,keyasint"`
	ID         string     `cbor:"2,keyasint"`
	Tenant     string     `cbor:"3,keyasint"`
	Fields     []docField `cbor:"4,keyasint"`
	CreatedAt  time.Time  `cbor:"5,keyasint"`
	UpdatedAt  time.Time  `cbor:"6,keyasint"`
}

// docField carries one field. Value holds the native form from value.ToAny;
// timestamps are tagged CBOR times and decode back to time.Time. Integers
// written by other clients decode as int64/uint64, which value.FromAny
// accepts.
type docField struct {
	Name  string `cbor:"1,keyasint"`
	Value any    `cbor:"2,keyasint"`
}

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{
		Sort:    cbor.SortCoreDeterministic,
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		TimeTagToAny: cbor.TimeTagToTime,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// encodeRecord converts r to its CBOR document.
func encodeRecord(r record.Record) ([]byte, error) {
	doc := document{
		Collection: r.Collection,
		ID:         r.ID,
		Tenant:     string(r.Tenant),
		Fields:     make([]docField, 0, r.Fields.Len()),
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	for name, v := range r.Fields.All() {
		doc.Fields = append(doc.Fields, docField{Name: name, Value: value.ToAny(v)})
	}
	data, err := encMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document %s/%s: %w", r.Collection, r.ID, err)
	}
	return data, nil
}

// decodeRecord is the inverse of encodeRecord.
func decodeRecord(data []byte) (record.Record, error) {
	var doc document
	if err := decMode.Unmarshal(data, &doc); err != nil {
		return record.Record{}, fmt.Errorf("decode document: %w", err)
	}

	var fields value.Fields
	for _, f := range doc.Fields {
		v, err := value.FromAny(f.Value)
		if err != nil {
			return record.Record{}, fmt.Errorf("decode document %s/%s: field %q: %w", doc.Collection, doc.ID, f.Name, err)
		}
		fields.Set(f.Name, v)
	}

	return record.Record{
		Collection: doc.Collection,
		ID:         doc.ID,
		Tenant:     record.TenantScope(doc.Tenant),
		Fields:     fields,
		CreatedAt:  doc.CreatedAt.UTC(),
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}, nil
}
