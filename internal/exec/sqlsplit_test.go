package exec

import (
	"reflect"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "simple batch",
			script: "CREATE TABLE t(id INT); INSERT INTO t VALUES(1); SELECT * FROM t",
			want:   []string{"CREATE TABLE t(id INT)", "INSERT INTO t VALUES(1)", "SELECT * FROM t"},
		},
		{
			name:   "semicolon inside string literal",
			script: "INSERT INTO t VALUES('a;b'); SELECT 1",
			want:   []string{"INSERT INTO t VALUES('a;b')", "SELECT 1"},
		},
		{
			name:   "escaped quote inside string",
			script: "INSERT INTO t VALUES('it''s; fine'); SELECT 1",
			want:   []string{"INSERT INTO t VALUES('it''s; fine')", "SELECT 1"},
		},
		{
			name:   "semicolon inside quoted identifier",
			script: `SELECT "weird;col" FROM t; SELECT 2`,
			want:   []string{`SELECT "weird;col" FROM t`, "SELECT 2"},
		},
		{
			name:   "line comment swallows semicolon",
			script: "SELECT 1 -- trailing; comment\n; SELECT 2",
			want:   []string{"SELECT 1 -- trailing; comment", "SELECT 2"},
		},
		{
			name:   "empty fragments dropped",
			script: " ; ;SELECT 1;;",
			want:   []string{"SELECT 1"},
		},
		{
			name:   "empty script",
			script: "",
			want:   nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitStatements(tc.script)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestReturnsRows(t *testing.T) {
	if !returnsRows("SELECT * FROM t") {
		t.Fatal("SELECT must return rows")
	}
	if !returnsRows("with x as (select 1) select * from x") {
		t.Fatal("WITH must return rows")
	}
	if returnsRows("INSERT INTO t VALUES(1)") {
		t.Fatal("INSERT must not return rows")
	}
	if returnsRows("") {
		t.Fatal("empty statement must not return rows")
	}
}
