package zerotrust

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *PolicyRegistry {
	t.Helper()
	reg := NewPolicyRegistry()
	for _, p := range DefaultPolicies() {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.ID, err)
		}
	}
	return reg
}

func TestSignAndVerifyBundle(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	bundle, err := SignBundle(priv, DefaultPolicies())
	if err != nil {
		t.Fatalf("sign bundle: %v", err)
	}
	if len(bundle.Signatures) != len(bundle.Policies) {
		t.Fatalf("signatures = %d, want %d", len(bundle.Signatures), len(bundle.Policies))
	}

	ok, err := VerifyBundle(pub, bundle)
	if err != nil || !ok {
		t.Fatalf("verify = %v, %v, want true", ok, err)
	}

	// a different key must not verify
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	ok, err = VerifyBundle(otherPub, bundle)
	if err != nil {
		t.Fatalf("verify with wrong key: %v", err)
	}
	if ok {
		t.Fatalf("bundle verified with the wrong key")
	}

	// tampering invalidates the signature
	bundle.Policies[0].Priority = 9999
	ok, _ = VerifyBundle(pub, bundle)
	if ok {
		t.Fatalf("tampered bundle verified")
	}
}

func TestVerifyBundleMissingSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	bundle, err := SignBundle(priv, DefaultPolicies())
	if err != nil {
		t.Fatalf("sign bundle: %v", err)
	}
	delete(bundle.Signatures, bundle.Policies[0].ID)
	if _, err := VerifyBundle(pub, bundle); err == nil {
		t.Fatalf("missing signature accepted")
	}
}

func TestDistributorPushesSignedBundles(t *testing.T) {
	reg := newTestRegistry(t)
	dist, err := NewPolicyBundleDistributor(reg)
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}

	received := make(chan *SignedPolicyBundle, 1)
	dist.RegisterSubscriber(BundleSubscriberFunc(func(_ context.Context, pub ed25519.PublicKey, b *SignedPolicyBundle) error {
		ok, err := VerifyBundle(pub, b)
		if err != nil || !ok {
			t.Errorf("delivered bundle failed verification: %v, %v", ok, err)
		}
		select {
		case received <- b:
		default:
		}
		return nil
	}))

	dist.Start(context.Background())
	dist.NotifyPolicyChange()

	select {
	case bundle := <-received:
		if len(bundle.Policies) != len(DefaultPolicies()) {
			t.Fatalf("bundle has %d policies, want %d", len(bundle.Policies), len(DefaultPolicies()))
		}
		if bundle.Meta["policy_count"] != len(bundle.Policies) {
			t.Fatalf("meta policy_count = %v", bundle.Meta["policy_count"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for bundle")
	}

	if err := dist.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// a second Stop is a no-op
	if err := dist.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestDistributorKeyRotation(t *testing.T) {
	reg := newTestRegistry(t)
	dist, err := NewPolicyBundleDistributor(reg, WithBundleRotationInterval(time.Hour))
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}

	before := dist.CurrentPublicKey()
	if err := dist.RotateSigningKey(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	after := dist.CurrentPublicKey()
	if before.Equal(after) {
		t.Fatalf("public key unchanged after rotation")
	}
}

func TestDistributorWithProvidedKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	reg := newTestRegistry(t)
	dist, err := NewPolicyBundleDistributor(reg, WithBundleSigningKey(priv))
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}
	want := priv.Public().(ed25519.PublicKey)
	if !want.Equal(dist.CurrentPublicKey()) {
		t.Fatalf("distributor did not adopt the provided key")
	}
}
