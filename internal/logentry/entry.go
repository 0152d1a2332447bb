package logentry

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the LogEntry sum type (spec §3).
type Kind string

const (
	KindInsert      Kind = "insert"
	KindUpdate      Kind = "update"
	KindDelete      Kind = "delete"
	KindUpsert      Kind = "upsert"
	KindBulkInsert  Kind = "bulk_insert"
	KindAlterTable  Kind = "alter_table"
	KindCreateTable Kind = "create_table"
	KindDropTable   Kind = "drop_table"
	KindCreateIndex Kind = "create_index"
	KindDropIndex   Kind = "drop_index"
	KindTransaction Kind = "transaction"
	KindRawSQL      Kind = "raw_sql"
	KindNoop        Kind = "noop"
)

// LogEntry is the sealed union every WAL body holds. Concrete variants
// implement EntryKind and SQL; SQL is a pure rendering function, never a
// sink of state.
type LogEntry interface {
	EntryKind() Kind
	// SQL renders the statement(s) needed to re-execute this entry
	// against a backend. A Transaction entry renders each of its
	// sub-entries in order.
	SQL() []string
}

type Insert struct {
	Table      string     `json:"table"`
	Columns    []string   `json:"columns"`
	Values     []Value    `json:"values"`
	PrimaryKey PrimaryKey `json:"primary_key"`
}

func (e Insert) EntryKind() Kind { return KindInsert }
func (e Insert) SQL() []string {
	vals := make([]string, len(e.Values))
	for i, v := range e.Values {
		vals[i] = v.SQL()
	}
	return []string{fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)",
		e.Table, backtickJoin(e.Columns), strings.Join(vals, ", "))}
}

type Update struct {
	Table       string     `json:"table"`
	SetColumns  []string   `json:"set_columns"`
	SetValues   []Value    `json:"set_values"`
	KeyColumns  []string   `json:"key_columns"`
	PrimaryKey  PrimaryKey `json:"primary_key"`
}

func (e Update) EntryKind() Kind { return KindUpdate }
func (e Update) SQL() []string {
	sets := make([]string, len(e.SetColumns))
	for i, c := range e.SetColumns {
		sets[i] = fmt.Sprintf("`%s` = %s", c, e.SetValues[i].SQL())
	}
	return []string{fmt.Sprintf("UPDATE `%s` SET %s WHERE %s",
		e.Table, strings.Join(sets, ", "), whereClause(e.KeyColumns, e.PrimaryKey))}
}

type Delete struct {
	Table      string     `json:"table"`
	KeyColumns []string   `json:"key_columns"`
	PrimaryKey PrimaryKey `json:"primary_key"`
}

func (e Delete) EntryKind() Kind { return KindDelete }
func (e Delete) SQL() []string {
	return []string{fmt.Sprintf("DELETE FROM `%s` WHERE %s",
		e.Table, whereClause(e.KeyColumns, e.PrimaryKey))}
}

type Upsert struct {
	Table         string     `json:"table"`
	Columns       []string   `json:"columns"`
	Values        []Value    `json:"values"`
	UpdateColumns []string   `json:"update_columns"`
	PrimaryKey    PrimaryKey `json:"primary_key"`
}

func (e Upsert) EntryKind() Kind { return KindUpsert }
func (e Upsert) SQL() []string {
	vals := make([]string, len(e.Values))
	colIdx := make(map[string]int, len(e.Columns))
	for i, c := range e.Columns {
		vals[i] = e.Values[i].SQL()
		colIdx[c] = i
	}
	updates := make([]string, len(e.UpdateColumns))
	for i, c := range e.UpdateColumns {
		updates[i] = fmt.Sprintf("`%s` = VALUES(`%s`)", c, c)
	}
	return []string{fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		e.Table, backtickJoin(e.Columns), strings.Join(vals, ", "), strings.Join(updates, ", "))}
}

type BulkInsert struct {
	Table   string     `json:"table"`
	Columns []string   `json:"columns"`
	Rows    [][]Value  `json:"rows"`
}

func (e BulkInsert) EntryKind() Kind { return KindBulkInsert }
func (e BulkInsert) SQL() []string {
	rows := make([]string, len(e.Rows))
	for i, row := range e.Rows {
		vals := make([]string, len(row))
		for j, v := range row {
			vals[j] = v.SQL()
		}
		rows[i] = "(" + strings.Join(vals, ", ") + ")"
	}
	return []string{fmt.Sprintf("INSERT INTO `%s` (%s) VALUES %s",
		e.Table, backtickJoin(e.Columns), strings.Join(rows, ", "))}
}

type AlterTable struct {
	Table string `json:"table"`
	DDL   string `json:"ddl"`
}

func (e AlterTable) EntryKind() Kind { return KindAlterTable }
func (e AlterTable) SQL() []string  { return []string{e.DDL} }

type CreateTable struct {
	Table string `json:"table"`
	DDL   string `json:"ddl"`
}

func (e CreateTable) EntryKind() Kind { return KindCreateTable }
func (e CreateTable) SQL() []string  { return []string{e.DDL} }

type DropTable struct {
	Table string `json:"table"`
}

func (e DropTable) EntryKind() Kind { return KindDropTable }
func (e DropTable) SQL() []string {
	return []string{fmt.Sprintf("DROP TABLE `%s`", e.Table)}
}

type CreateIndex struct {
	Table string `json:"table"`
	Index string `json:"index"`
	DDL   string `json:"ddl"`
}

func (e CreateIndex) EntryKind() Kind { return KindCreateIndex }
func (e CreateIndex) SQL() []string  { return []string{e.DDL} }

type DropIndex struct {
	Table string `json:"table"`
	Index string `json:"index"`
}

func (e DropIndex) EntryKind() Kind { return KindDropIndex }
func (e DropIndex) SQL() []string {
	return []string{fmt.Sprintf("DROP INDEX `%s` ON `%s`", e.Index, e.Table)}
}

// Transaction groups entries applied atomically inside a backend
// transaction.
type Transaction struct {
	Entries []LogEntry `json:"entries"`
}

func (e Transaction) EntryKind() Kind { return KindTransaction }
func (e Transaction) SQL() []string {
	stmts := []string{"START TRANSACTION"}
	for _, sub := range e.Entries {
		stmts = append(stmts, sub.SQL()...)
	}
	stmts = append(stmts, "COMMIT")
	return stmts
}

// RawSQL is an opaque passthrough captured by the proxy from a client
// statement it could not or did not need to decompose.
type RawSQL struct {
	SQLText      string  `json:"sql"`
	AffectsTable *string `json:"affects_table,omitempty"`
	Database     *string `json:"database,omitempty"`
}

func (e RawSQL) EntryKind() Kind { return KindRawSQL }
func (e RawSQL) SQL() []string  { return []string{e.SQLText} }

// Noop is a flush trigger. It is never persisted to a segment (spec §3).
type Noop struct{}

func (e Noop) EntryKind() Kind { return KindNoop }
func (e Noop) SQL() []string  { return nil }

func backtickJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "`" + c + "`"
	}
	return strings.Join(quoted, ", ")
}

func whereClause(keyColumns []string, pk PrimaryKey) string {
	if len(keyColumns) == 1 {
		return fmt.Sprintf("`%s` = %s", keyColumns[0], pkAsValue(pk).SQL())
	}
	if pk.Kind == PKComposite && len(pk.Composite) == len(keyColumns) {
		parts := make([]string, len(keyColumns))
		for i, c := range keyColumns {
			parts[i] = fmt.Sprintf("`%s` = %s", c, pk.Composite[i].SQL())
		}
		return strings.Join(parts, " AND ")
	}
	return fmt.Sprintf("`%s` = %s", strings.Join(keyColumns, "`,`"), pkAsValue(pk).SQL())
}

func pkAsValue(pk PrimaryKey) Value {
	switch pk.Kind {
	case PKInt:
		return IntValue(pk.Int)
	case PKString:
		return StringValue(pk.Str)
	case PKUUID:
		return UUIDValue(pk.UUID)
	default:
		return NullValue()
	}
}

// envelope is the self-describing JSON wire shape for a LogEntry: a
// kind tag plus the variant's own JSON payload. This is what gets
// serialized into a WAL entry body (see internal/wal).
type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal serializes a LogEntry into its self-describing wire form.
func Marshal(e LogEntry) ([]byte, error) {
	var payload []byte
	var err error
	if txn, ok := e.(Transaction); ok {
		payload, err = marshalTransactionPayload(txn)
	} else {
		payload, err = json.Marshal(e)
	}
	if err != nil {
		return nil, fmt.Errorf("logentry: marshal payload: %w", err)
	}
	return json.Marshal(envelope{Kind: e.EntryKind(), Payload: payload})
}

func marshalTransactionPayload(txn Transaction) ([]byte, error) {
	raws := make([]json.RawMessage, len(txn.Entries))
	for i, sub := range txn.Entries {
		b, err := Marshal(sub)
		if err != nil {
			return nil, fmt.Errorf("marshal transaction entry %d: %w", i, err)
		}
		raws[i] = b
	}
	return json.Marshal(transactionWire{Entries: raws})
}

// Unmarshal deserializes a LogEntry from its self-describing wire form.
func Unmarshal(data []byte) (LogEntry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("logentry: unmarshal envelope: %w", err)
	}
	switch env.Kind {
	case KindInsert:
		return unmarshalInto[Insert](env.Payload)
	case KindUpdate:
		return unmarshalInto[Update](env.Payload)
	case KindDelete:
		return unmarshalInto[Delete](env.Payload)
	case KindUpsert:
		return unmarshalInto[Upsert](env.Payload)
	case KindBulkInsert:
		return unmarshalInto[BulkInsert](env.Payload)
	case KindAlterTable:
		return unmarshalInto[AlterTable](env.Payload)
	case KindCreateTable:
		return unmarshalInto[CreateTable](env.Payload)
	case KindDropTable:
		return unmarshalInto[DropTable](env.Payload)
	case KindCreateIndex:
		return unmarshalInto[CreateIndex](env.Payload)
	case KindDropIndex:
		return unmarshalInto[DropIndex](env.Payload)
	case KindTransaction:
		return unmarshalTransaction(env.Payload)
	case KindRawSQL:
		return unmarshalInto[RawSQL](env.Payload)
	case KindNoop:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("logentry: unknown kind %q", env.Kind)
	}
}

func unmarshalInto[T LogEntry](payload json.RawMessage) (LogEntry, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("logentry: unmarshal %T: %w", v, err)
	}
	return v, nil
}

// transactionWire mirrors Transaction but defers sub-entry decoding to
// Unmarshal since []LogEntry can't round-trip through encoding/json on
// its own (it's an interface slice).
type transactionWire struct {
	Entries []json.RawMessage `json:"entries"`
}

func unmarshalTransaction(payload json.RawMessage) (LogEntry, error) {
	var wire transactionWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("logentry: unmarshal transaction: %w", err)
	}
	entries := make([]LogEntry, len(wire.Entries))
	for i, raw := range wire.Entries {
		sub, err := Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("logentry: unmarshal transaction entry %d: %w", i, err)
		}
		entries[i] = sub
	}
	return Transaction{Entries: entries}, nil
}

