package history

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaysync/internal/engine"
)

// RecordTTL is how long the server keeps a history record, in seconds.
const RecordTTL = 60 * 24 * 60 * 60

// Visit dates are microseconds since the epoch. Incoming dates may carry
// a fractional part; they are rounded on apply.
type Visit struct {
	Date float64 `json:"date"`
	Type int     `json:"type"`
}

// Record is the cleartext of one history item.
type Record struct {
	ID       string  `json:"id"`
	HistURI  string  `json:"histUri"`
	Title    string  `json:"title"`
	Visits   []Visit `json:"visits"`
	Frecency int     `json:"-"`
}

func (r *Record) RecordID() string { return r.ID }
func (r *Record) IsDeleted() bool  { return false }
func (r *Record) SortIndex() *int  { v := r.Frecency; return &v }
func (r *Record) TTL() *int        { v := RecordTTL; return &v }

//go:embed record.schema.json
var recordSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func recordSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(recordSchemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("record.schema.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("record.schema.json")
	})
	return schema, schemaErr
}

// DecodeRecord validates cleartext and decodes it. id is authoritative
// over the id inside the cleartext.
func (s *Store) DecodeRecord(id string, cleartext []byte) (engine.Record, error) {
	sch, err := recordSchema()
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(cleartext))
	if err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}

	var probe struct {
		Deleted bool `json:"deleted"`
	}
	if err := json.Unmarshal(cleartext, &probe); err != nil {
		return nil, err
	}
	if probe.Deleted {
		return engine.Tombstone{ID: id}, nil
	}
	var rec Record
	if err := json.Unmarshal(cleartext, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	rec.ID = id
	return &rec, nil
}
