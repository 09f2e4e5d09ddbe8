package store

import "testing"

func TestSanitizeMySQLDSN(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already correct", "user:pass@tcp(localhost:3306)/mailgate", "user:pass@tcp(localhost:3306)/mailgate"},
		{"missing tcp", "user:pass@(localhost:3306)/mailgate", "user:pass@tcp(localhost:3306)/mailgate"},
		{"bare host port", "user:pass@localhost:3306/mailgate", "user:pass@tcp(localhost:3306)/mailgate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeMySQLDSN(tt.in); got != tt.want {
				t.Errorf("sanitizeMySQLDSN(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeURLDSN(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "postgres://user:secret@db:5432/mailgate", "postgres://user:secret@db:5432/mailgate"},
		{"special password", "postgres://user:p@ss#1@db/mailgate?sslmode=disable", "postgres://user:p%40ss%231@db/mailgate?sslmode=disable"},
		{"keyword dsn", "host=db user=mailgate", "host=db user=mailgate"},
		{"no credentials", "postgres://db/mailgate", "postgres://db/mailgate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeURLDSN(tt.in); got != tt.want {
				t.Errorf("sanitizeURLDSN(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	got, err := sqliteDSN("")
	if err != nil || got != ":memory:" {
		t.Errorf("sqliteDSN(\"\") = %q, %v", got, err)
	}
	got, err = sqliteDSN("file:x.db?mode=ro")
	if err != nil || got != "file:x.db?mode=ro" {
		t.Errorf("explicit DSN should pass through, got %q, %v", got, err)
	}
}
