package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

func newEdManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	pub, priv := newEdKeys(t)
	cfg.SigningMethod = MethodEd25519
	cfg.PrivateKey = priv
	cfg.PublicKey = pub
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestSignAndParseLink(t *testing.T) {
	m := newEdManager(t, Config{Issuer: "authgate", Audience: "identity-validation"})

	link, err := m.SignLink("tok-1", "reset-password", time.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := m.ParseLink(link)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.ID != "tok-1" || claims.Action != "reset-password" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseLinkRejectsExpired(t *testing.T) {
	m := newEdManager(t, Config{})

	link, err := m.SignLink("tok-1", "register-totp", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := m.ParseLink(link); !errors.Is(err, ErrInvalidLink) {
		t.Fatalf("expected ErrInvalidLink for expired link, got %v", err)
	}
}

func TestParseLinkRejectsWrongAlgorithm(t *testing.T) {
	m := newEdManager(t, Config{})

	claims := LinkClaims{Action: "reset-password", RegisteredClaims: gjwt.RegisteredClaims{
		ID:        "tok",
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  gjwt.NewNumericDate(time.Now()),
	}}
	token, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString([]byte("secret-secret-secret-secret-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := m.ParseLink(token); err == nil {
		t.Fatal("expected wrong algorithm to be rejected")
	}
}

func TestParseLinkRejectsMissingClaims(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	m, err := NewManager(Config{SigningMethod: MethodHS256, PrivateKey: key})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	noAction := LinkClaims{RegisteredClaims: gjwt.RegisteredClaims{
		ID:        "tok",
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  gjwt.NewNumericDate(time.Now()),
	}}
	token, _ := gjwt.NewWithClaims(gjwt.SigningMethodHS256, noAction).SignedString(key)
	if _, err := m.ParseLink(token); err == nil {
		t.Fatal("expected missing action to be rejected")
	}

	noExpiry := LinkClaims{Action: "reset-password", RegisteredClaims: gjwt.RegisteredClaims{
		ID:       "tok",
		IssuedAt: gjwt.NewNumericDate(time.Now()),
	}}
	token, _ = gjwt.NewWithClaims(gjwt.SigningMethodHS256, noExpiry).SignedString(key)
	if _, err := m.ParseLink(token); err == nil {
		t.Fatal("expected missing expiry to be rejected")
	}

	if _, err := m.SignLink("", "reset-password", time.Now().Add(time.Minute)); err == nil {
		t.Fatal("expected empty id to be rejected")
	}
}

func TestParseLinkIssuerAndAudience(t *testing.T) {
	_, priv := newEdKeys(t)
	m, err := NewManager(Config{
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     priv.Public().(ed25519.PublicKey),
		Issuer:        "authgate",
		Audience:      "links",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	wrongIssuer := LinkClaims{Action: "reset-password", RegisteredClaims: gjwt.RegisteredClaims{
		ID:        "tok",
		Issuer:    "other",
		Audience:  gjwt.ClaimStrings{"links"},
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  gjwt.NewNumericDate(time.Now()),
	}}
	signed, _ := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, wrongIssuer).SignedString(priv)
	if _, err := m.ParseLink(signed); err == nil {
		t.Fatal("expected wrong issuer to fail")
	}

	wrongAudience := wrongIssuer
	wrongAudience.Issuer = "authgate"
	wrongAudience.Audience = gjwt.ClaimStrings{"api"}
	signed, _ = gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, wrongAudience).SignedString(priv)
	if _, err := m.ParseLink(signed); err == nil {
		t.Fatal("expected wrong audience to fail")
	}
}

func TestParseLinkKeyRotation(t *testing.T) {
	pub1, priv1 := newEdKeys(t)
	pub2, priv2 := newEdKeys(t)

	signer, err := NewManager(Config{SigningMethod: MethodEd25519, PrivateKey: priv2, PublicKey: pub2, KeyID: "k2"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewManager(Config{
		SigningMethod: MethodEd25519,
		PrivateKey:    priv1,
		KeyID:         "k1",
		VerifyKeys:    map[string][]byte{"k1": pub1, "k2": pub2},
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	link, err := signer.SignLink("tok", "register-webauthn", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.ParseLink(link); err != nil {
		t.Fatalf("expected rotated key to verify: %v", err)
	}

	stranger, err := NewManager(Config{SigningMethod: MethodEd25519, PublicKey: pub1, VerifyKeys: map[string][]byte{"k1": pub1}})
	if err != nil {
		t.Fatalf("new stranger: %v", err)
	}
	if _, err := stranger.ParseLink(link); err == nil {
		t.Fatal("expected unknown kid to fail")
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(Config{SigningMethod: MethodHS256, PrivateKey: []byte("short")}); err == nil {
		t.Fatal("expected short hs256 key to be rejected")
	}
	if _, err := NewManager(Config{SigningMethod: MethodEd25519}); err == nil {
		t.Fatal("expected ed25519 without keys to be rejected")
	}
	if _, err := NewManager(Config{SigningMethod: "rs256"}); err == nil {
		t.Fatal("expected unsupported method to be rejected")
	}
}

func FuzzParseLink(f *testing.F) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		f.Fatal(err)
	}
	m, err := NewManager(Config{SigningMethod: MethodEd25519, PrivateKey: priv, PublicKey: pub, Leeway: 30 * time.Second})
	if err != nil {
		f.Fatal(err)
	}
	valid, err := m.SignLink("tok", "reset-password", time.Now().Add(time.Minute))
	if err != nil {
		f.Fatal(err)
	}

	f.Add(valid)
	f.Add("")
	f.Add("a.b.c")
	f.Add(valid[:len(valid)/2])

	f.Fuzz(func(t *testing.T, token string) {
		claims, err := m.ParseLink(token)
		if err == nil && (claims == nil || claims.ID == "" || claims.Action == "") {
			t.Fatalf("accepted token without required claims: %q", token)
		}
	})
}
