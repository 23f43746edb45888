package auth

import (
	"context"
	"reflect"
	"testing"
)

func TestUnmarshalScopes(t *testing.T) {
	t.Run("InvalidJSON", func(t *testing.T) {
		t.Parallel()

		scopes := make(Scopes, 0)
		if err := scopes.UnmarshalJSON([]byte{}); err == nil {
			t.Fatal("UnmarshalJSON should have an err")
		}
	})

	t.Run("EmptyString", func(t *testing.T) {
		t.Parallel()

		want := Scopes{}
		got := make(Scopes, 0)
		if err := got.UnmarshalJSON([]byte(`""`)); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("UnmarshalJSON should unmarshal %v, got %v", want, got)
		}
	})

	t.Run("Multi", func(t *testing.T) {
		t.Parallel()

		want := Scopes{"access:servers", "helmsman:admin"}
		got := make(Scopes, 0)
		if err := got.UnmarshalJSON([]byte(`"access:servers helmsman:admin"`)); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("UnmarshalJSON should unmarshal %v, got %v", want, got)
		}
	})
}

func TestUnmarshalAudience(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		t.Parallel()

		want := Audience{"https://hub.example.org"}
		got := make(Audience, 0)
		if err := got.UnmarshalJSON([]byte(`"https://hub.example.org"`)); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("UnmarshalJSON should unmarshal %v, got %v", want, got)
		}
	})

	t.Run("List", func(t *testing.T) {
		t.Parallel()

		want := Audience{"https://hub.example.org", "https://api.example.org"}
		got := make(Audience, 0)
		if err := got.UnmarshalJSON([]byte(`["https://hub.example.org", "https://api.example.org"]`)); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("UnmarshalJSON should unmarshal %v, got %v", want, got)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		t.Parallel()

		aud := make(Audience, 0)
		if err := aud.UnmarshalJSON([]byte(`42`)); err == nil {
			t.Fatal("UnmarshalJSON should have an err")
		}
	})
}

func TestVerifyScope(t *testing.T) {
	claims := &AccessClaims{Scopes: Scopes{"access:servers", "read:users"}}

	if !claims.VerifyScope("access:servers") {
		t.Error("present scope not found")
	}
	if claims.VerifyScope("helmsman:admin") {
		t.Error("absent scope found")
	}
}

func TestNullAuthenticator(t *testing.T) {
	ctx := context.Background()

	t.Setenv("HELMSMAN_ALLOWED_USERS", "wash, zoe")
	t.Setenv("HELMSMAN_ADMIN_USERS", "zoe")

	authenticator, err := New("null")
	if err != nil {
		t.Fatalf("New(null): %s", err)
	}

	identity, err := authenticator.Authenticate(ctx, Credentials{Username: "wash"})
	if err != nil {
		t.Fatalf("Authenticate(wash): %s", err)
	}
	if identity.Admin {
		t.Error("wash should not be an admin")
	}

	identity, err = authenticator.Authenticate(ctx, Credentials{Username: "zoe"})
	if err != nil {
		t.Fatalf("Authenticate(zoe): %s", err)
	}
	if !identity.Admin {
		t.Error("zoe should be an admin")
	}

	if _, err := authenticator.Authenticate(ctx, Credentials{Username: "jayne"}); err != ErrAccessDenied {
		t.Errorf("Authenticate(jayne): got %v, want ErrAccessDenied", err)
	}
	if _, err := authenticator.Authenticate(ctx, Credentials{}); err != ErrAccessDenied {
		t.Errorf("Authenticate with empty username: got %v, want ErrAccessDenied", err)
	}
}

func TestUnknownAuthenticator(t *testing.T) {
	if _, err := New("no-such-authenticator"); err == nil {
		t.Fatal("New should reject unknown names")
	}
}
