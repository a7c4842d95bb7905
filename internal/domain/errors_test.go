package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "version conflict error", err: ErrSessionVersionConflict, want: true},
		{name: "joined version conflict error", err: errors.Join(ErrSessionVersionConflict, errors.New("additional context")), want: true},
		{name: "other error", err: ErrSessionNotFound, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsVersionConflict(tt.err); got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTemporary(t *testing.T) {
	if !IsTemporary(fmt.Errorf("gateway timeout: %w", ErrPaymentTemporary)) {
		t.Fatal("wrapped temporary error must be detected")
	}
	if IsTemporary(ErrPaymentDeclined) {
		t.Fatal("declined payment is not temporary")
	}
	if IsTemporary(nil) {
		t.Fatal("nil is not temporary")
	}
}
