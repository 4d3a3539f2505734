package main

import (
	"errors"
	"fmt"
	"testing"

	"codewarden/internal/generate"
)

func TestModelFailClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"quota", fmt.Errorf("author guides: %w", generate.ErrQuotaExhausted), exitBudget},
		{"auth", fmt.Errorf("author guides: %w", generate.ErrUnauthorized), exitAuth},
		{"other", errors.New("connection reset"), exitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := modelFail("author guides", tc.err)
			var ee exitError
			if !errors.As(err, &ee) {
				t.Fatalf("modelFail returned %T, want exitError", err)
			}
			if ee.code != tc.code {
				t.Errorf("exit code = %d, want %d", ee.code, tc.code)
			}
		})
	}
}
