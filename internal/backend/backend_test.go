package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfscale/wolfscale/internal/logentry"
)

func TestIsSchemaEntryClassifiesDDLKinds(t *testing.T) {
	require.True(t, isSchemaEntry(logentry.CreateTable{Table: "t", DDL: "CREATE TABLE t (id INT)"}))
	require.True(t, isSchemaEntry(logentry.AlterTable{Table: "t", DDL: "ALTER TABLE t ADD COLUMN x INT"}))
	require.True(t, isSchemaEntry(logentry.DropTable{Table: "t"}))
	require.True(t, isSchemaEntry(logentry.CreateIndex{Table: "t", Index: "idx", DDL: "CREATE INDEX idx ON t (id)"}))
	require.True(t, isSchemaEntry(logentry.DropIndex{Table: "t", Index: "idx"}))
	require.False(t, isSchemaEntry(logentry.Insert{Table: "t", PrimaryKey: logentry.IntPK(1)}))
}

func TestOpenDoesNotConnectEagerly(t *testing.T) {
	b, err := Open(Config{DSN: "user:pass@tcp(127.0.0.1:1)/wolfscale"})
	require.NoError(t, err)
	require.NotNil(t, b)
	require.NoError(t, b.Close())
}
