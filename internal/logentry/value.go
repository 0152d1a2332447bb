// Package logentry implements the WolfScale data model: the Value sum
// type, PrimaryKey shapes, and the tagged log entry variants that are
// persisted into the WAL and re-executed against a backend. Rendering a
// Value or PrimaryKey into backend SQL is a pure function — no state is
// consumed, matching the sealed-union design called out in spec §9.
package logentry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ValueKind discriminates the Value sum type.
type ValueKind string

const (
	ValueNull       ValueKind = "null"
	ValueBool       ValueKind = "bool"
	ValueInt        ValueKind = "int"
	ValueUint       ValueKind = "uint"
	ValueFloat      ValueKind = "float"
	ValueString     ValueKind = "string"
	ValueBytes      ValueKind = "bytes"
	ValueUUID       ValueKind = "uuid"
	ValueTimestamp  ValueKind = "timestamp"
	ValueStructured ValueKind = "structured"
)

// sqlTimestampLayout renders timestamps the way spec §3 mandates.
const sqlTimestampLayout = "2006-01-02 15:04:05.000000"

// Value is a closed sum type over the scalar shapes a backend column can
// hold. Exactly one of the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind       ValueKind       `json:"kind"`
	Bool       bool            `json:"bool,omitempty"`
	Int        int64           `json:"int,omitempty"`
	Uint       uint64          `json:"uint,omitempty"`
	Float      float64         `json:"float,omitempty"`
	String     string          `json:"string,omitempty"`
	Bytes      []byte          `json:"bytes,omitempty"`
	UUID       string          `json:"uuid,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

func NullValue() Value                  { return Value{Kind: ValueNull} }
func BoolValue(v bool) Value            { return Value{Kind: ValueBool, Bool: v} }
func IntValue(v int64) Value            { return Value{Kind: ValueInt, Int: v} }
func UintValue(v uint64) Value          { return Value{Kind: ValueUint, Uint: v} }
func FloatValue(v float64) Value        { return Value{Kind: ValueFloat, Float: v} }
func StringValue(v string) Value        { return Value{Kind: ValueString, String: v} }
func BytesValue(v []byte) Value         { return Value{Kind: ValueBytes, Bytes: v} }
func UUIDValue(v string) Value          { return Value{Kind: ValueUUID, UUID: v} }
func TimestampValue(v time.Time) Value  { return Value{Kind: ValueTimestamp, Timestamp: v.UTC()} }
func StructuredValue(v json.RawMessage) Value {
	return Value{Kind: ValueStructured, Structured: v}
}

// SQL renders the value as a backend SQL literal. Single quotes inside
// strings are escaped by doubling; bytes render as a hex literal.
func (v Value) SQL() string {
	switch v.Kind {
	case ValueNull:
		return "NULL"
	case ValueBool:
		if v.Bool {
			return "1"
		}
		return "0"
	case ValueInt:
		return fmt.Sprintf("%d", v.Int)
	case ValueUint:
		return fmt.Sprintf("%d", v.Uint)
	case ValueFloat:
		return fmt.Sprintf("%v", v.Float)
	case ValueString:
		return quoteSQL(v.String)
	case ValueBytes:
		return "0x" + fmt.Sprintf("%x", v.Bytes)
	case ValueUUID:
		return quoteSQL(v.UUID)
	case ValueTimestamp:
		return quoteSQL(v.Timestamp.UTC().Format(sqlTimestampLayout))
	case ValueStructured:
		return quoteSQL(string(v.Structured))
	default:
		return "NULL"
	}
}

func quoteSQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// MarshalJSON ensures []byte bodies round-trip exactly (base64, the
// encoding/json default for []byte) and that zero-value time.Time for
// non-timestamp kinds doesn't pollute the wire form.
func (v Value) MarshalJSON() ([]byte, error) {
	type alias Value
	a := alias(v)
	if v.Kind != ValueBytes {
		a.Bytes = nil
	}
	if v.Kind != ValueTimestamp {
		a.Timestamp = time.Time{}
	}
	return json.Marshal(a)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	type alias Value
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*v = Value(a)
	return nil
}

// bytesToBase64 exists only to document the on-wire shape of Bytes in
// JSON form; encoding/json already does this for []byte fields.
func bytesToBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// PrimaryKeyKind discriminates the PrimaryKey sum type.
type PrimaryKeyKind string

const (
	PKInt       PrimaryKeyKind = "int"
	PKString    PrimaryKeyKind = "string"
	PKUUID      PrimaryKeyKind = "uuid"
	PKComposite PrimaryKeyKind = "composite"
)

// PrimaryKey identifies a row for apply-time de-duplication and for
// addressing rows in Update/Delete/Upsert entries.
type PrimaryKey struct {
	Kind      PrimaryKeyKind `json:"kind"`
	Int       int64          `json:"int,omitempty"`
	Str       string         `json:"string,omitempty"`
	UUID      string         `json:"uuid,omitempty"`
	Composite []Value        `json:"composite,omitempty"`
}

func IntPK(v int64) PrimaryKey          { return PrimaryKey{Kind: PKInt, Int: v} }
func StringPK(v string) PrimaryKey      { return PrimaryKey{Kind: PKString, Str: v} }
func UUIDPK(v string) PrimaryKey        { return PrimaryKey{Kind: PKUUID, UUID: v} }
func CompositePK(vs ...Value) PrimaryKey { return PrimaryKey{Kind: PKComposite, Composite: vs} }

// String renders a PrimaryKey as a stable de-duplication key, e.g. for
// the state tracker's applied-entry index.
func (pk PrimaryKey) String() string {
	switch pk.Kind {
	case PKInt:
		return fmt.Sprintf("int:%d", pk.Int)
	case PKString:
		return "string:" + pk.Str
	case PKUUID:
		return "uuid:" + pk.UUID
	case PKComposite:
		parts := make([]string, len(pk.Composite))
		for i, v := range pk.Composite {
			parts[i] = v.SQL()
		}
		return "composite:" + strings.Join(parts, "|")
	default:
		return "unknown"
	}
}
