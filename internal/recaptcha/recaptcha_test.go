package recaptcha

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"signment/internal/config"
)

func verifier(t *testing.T, secret string, handler http.HandlerFunc) *Verifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Recaptcha.SecretKey = secret
	cfg.Recaptcha.VerifyURL = srv.URL
	return New(cfg, zap.NewNop())
}

func TestPlaceholderKeyDisablesVerification(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Recaptcha.SecretKey = "your-secret-key-here"
	v := New(cfg, zap.NewNop())

	if v.Enabled() {
		t.Fatal("placeholder key should disable verification")
	}
	ok, err := v.Verify(context.Background(), "anything", "")
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v; want true, nil", ok, err)
	}
}

func TestVerifySuccess(t *testing.T) {
	v := verifier(t, "real-secret", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("secret") != "real-secret" {
			t.Errorf("secret = %q", r.PostForm.Get("secret"))
		}
		if r.PostForm.Get("response") != "tok" {
			t.Errorf("response = %q", r.PostForm.Get("response"))
		}
		fmt.Fprint(w, `{"success": true, "score": 0.9}`)
	})

	ok, err := v.Verify(context.Background(), "tok", "203.0.113.9")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected pass")
	}
}

func TestVerifyLowScore(t *testing.T) {
	v := verifier(t, "real-secret", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true, "score": 0.2}`)
	})

	ok, err := v.Verify(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected low score to fail")
	}
}

func TestVerifyZeroScore(t *testing.T) {
	v := verifier(t, "real-secret", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true, "score": 0.0}`)
	})

	ok, err := v.Verify(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected score 0.0 to fail")
	}
}

func TestVerifyNoScorePasses(t *testing.T) {
	// v2 responses have no score field at all.
	v := verifier(t, "real-secret", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true}`)
	})

	ok, err := v.Verify(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected scoreless response to pass")
	}
}

func TestVerifyFailure(t *testing.T) {
	v := verifier(t, "real-secret", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": false, "error-codes": ["invalid-input-response"]}`)
	})

	ok, err := v.Verify(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected failure")
	}
}

func TestVerifyEmptyToken(t *testing.T) {
	v := verifier(t, "real-secret", func(w http.ResponseWriter, r *http.Request) {
		t.Error("siteverify should not be called for empty token")
	})

	ok, err := v.Verify(context.Background(), "", "")
	if err != nil || ok {
		t.Fatalf("Verify = %v, %v; want false, nil", ok, err)
	}
}
