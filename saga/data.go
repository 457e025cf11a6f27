package saga

import (
	"encoding/json"
	"fmt"
)

// Data is a saga's versioned payload. Schema names the saga type the body
// belongs to; Body stays raw so newer fields survive older readers.
type Data struct {
	Schema  string          `json:"schema"`
	Version int             `json:"version"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// NewData encodes body under a schema and version
func NewData(schema string, version int, body interface{}) (Data, error) {
	d := Data{Schema: schema, Version: version}
	if err := d.Encode(body); err != nil {
		return Data{}, err
	}
	return d, nil
}

// Decode unmarshals the body into v
func (d Data) Decode(v interface{}) error {
	if len(d.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s v%d saga data: %w", d.Schema, d.Version, err)
	}
	return nil
}

// Encode replaces the body with v
func (d *Data) Encode(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s saga data: %w", d.Schema, err)
	}
	d.Body = body
	return nil
}

// Clone returns a copy that shares no memory with d
func (d Data) Clone() Data {
	c := d
	if d.Body != nil {
		c.Body = append(json.RawMessage(nil), d.Body...)
	}
	return c
}
