package auth

import (
	"context"
	"errors"
	"testing"
)

func TestStaticVerifier(t *testing.T) {
	t.Parallel()

	v := NewStaticVerifier(map[string]string{
		"tok-alpha": "user1",
		"tok-beta":  "user2",
	})

	id, err := v.Verify(context.Background(), "tok-alpha")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.UserID != "user1" {
		t.Errorf("UserID = %q, want user1", id.UserID)
	}

	if _, err := v.Verify(context.Background(), "tok-gamma"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("unknown token error = %v, want ErrInvalidToken", err)
	}
	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty token error = %v, want ErrInvalidToken", err)
	}
}

func TestStaticVerifierCopiesMap(t *testing.T) {
	t.Parallel()

	src := map[string]string{"tok": "user1"}
	v := NewStaticVerifier(src)
	delete(src, "tok")

	if _, err := v.Verify(context.Background(), "tok"); err != nil {
		t.Errorf("Verify() error = %v after caller mutated source map", err)
	}
}
