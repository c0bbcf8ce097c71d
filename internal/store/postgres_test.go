package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"canvasd/api/internal/canvas"
)

func TestClassifyConstraintViolationAsValidation(t *testing.T) {
	cases := []struct {
		name string
		code string
		want bool
	}{
		{"check violation", "23514", true},
		{"unique violation", "23505", true},
		{"numeric out of range", "22003", true},
		{"connection failure", "08006", false},
		{"insufficient resources", "53100", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("insert card", &pgconn.PgError{Code: tc.code, Message: tc.name})
			if got := errors.Is(err, canvas.ErrValidation); got != tc.want {
				t.Fatalf("code %s: validation=%v, want %v (err: %v)", tc.code, got, tc.want, err)
			}
		})
	}
}

func TestClassifyPlainError(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := classify("update card position", base)
	if errors.Is(err, canvas.ErrValidation) {
		t.Fatal("transport errors must not classify as validation")
	}
	if !errors.Is(err, base) {
		t.Fatal("original error must be wrapped")
	}
}
