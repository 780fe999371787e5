package logger

import "testing"

func TestSQLOperation(t *testing.T) {
	tests := map[string]string{
		"SELECT * FROM staging_jobs":                         "SELECT",
		"  update credit_accounts SET remaining = remaining": "UPDATE",
		"WITH x AS (SELECT 1) INSERT INTO t SELECT * FROM x": "SELECT",
		"": "UNKNOWN",
	}
	for sql, want := range tests {
		if got := sqlOperation(sql); got != want {
			t.Fatalf("sqlOperation(%q) = %s, want %s", sql, got, want)
		}
	}
}
