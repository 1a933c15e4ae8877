package auth

import (
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerify_IssuedToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Issue(42, 0)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if id.UserID != 42 {
		t.Errorf("UserID = %d, want 42", id.UserID)
	}
}

func TestVerify_Expired(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Issue(42, time.Nanosecond)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := v.Verify(token); err == nil {
		t.Error("expired token verified successfully")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	issuer := NewJWTVerifier([]byte("secret-a"))
	v := NewJWTVerifier([]byte("secret-b"))

	token, err := issuer.Issue(42, 0)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	if _, err := v.Verify(token); err == nil {
		t.Error("token signed with a different secret verified successfully")
	}
}

func TestVerify_NoneAlgorithm(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	unsigned, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.Verify(unsigned); err == nil {
		t.Error("none-algorithm token verified successfully")
	}
}

func TestVerify_BadSubject(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret)

	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{"missing sub", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}},
		{"non-numeric sub", jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tt.claims).SignedString(secret)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := v.Verify(token); err == nil {
				t.Error("token with bad subject verified successfully")
			}
		})
	}
}

func TestVerify_Garbage(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := v.Verify(token); err == nil {
			t.Errorf("Verify(%q) succeeded, want error", token)
		}
	}
}

func TestIssue_SubjectFormat(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Issue(1234567890123, time.Minute)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got := strconv.FormatInt(id.UserID, 10); got != "1234567890123" {
		t.Errorf("round-tripped user id = %s", got)
	}
}
