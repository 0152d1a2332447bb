package proxy

import "testing"

func TestIsWriteStripsLeadingComments(t *testing.T) {
	cases := []struct {
		sql  string
		want bool
	}{
		{"SELECT * FROM users", false},
		{"INSERT INTO users VALUES (1)", true},
		{"/* hint */ INSERT INTO users VALUES (1)", true},
		{"-- comment\nUPDATE users SET x=1", true},
		{"# comment\nSELECT 1", false},
		{"  CREATE TABLE t (id INT)", true},
		{"begin", true},
		{"   ", false},
	}
	for _, c := range cases {
		if got := isWrite(c.sql); got != c.want {
			t.Errorf("isWrite(%q) = %v, want %v", c.sql, got, c.want)
		}
	}
}

func TestExtractUseDatabase(t *testing.T) {
	if got := extractUseDatabase("USE `app`"); got != "app" {
		t.Errorf("got %q", got)
	}
	if got := extractUseDatabase("USE app;"); got != "app" {
		t.Errorf("got %q", got)
	}
	if got := extractUseDatabase("SELECT 1"); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestAffectedTableBestEffort(t *testing.T) {
	if got := affectedTable("INSERT INTO orders VALUES (1)"); got != "orders" {
		t.Errorf("got %q", got)
	}
	if got := affectedTable("UPDATE users SET x=1"); got != "users" {
		t.Errorf("got %q", got)
	}
	if got := affectedTable("DELETE FROM orders WHERE id=1"); got != "orders" {
		t.Errorf("got %q", got)
	}
}

func TestIsDatabaseLevelOperation(t *testing.T) {
	if !isDatabaseLevelOperation("USE app") {
		t.Fatal("USE must be a database-level operation")
	}
	if isDatabaseLevelOperation("INSERT INTO orders VALUES (1)") {
		t.Fatal("INSERT must not be a database-level operation")
	}
}
