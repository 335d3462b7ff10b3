package zerotrust

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// ============================================================================
// SIGNED POLICY BUNDLES
// ============================================================================

// SignedPolicyBundle is a snapshot of the policy set with per-policy
// ed25519 signatures, for distribution to edge enforcement points.
type SignedPolicyBundle struct {
	Policies   []AccessPolicy    `json:"policies"`
	Signatures map[string]string `json:"signatures"` // policy ID -> base64 signature
	Meta       map[string]any    `json:"meta,omitempty"`
}

// SignBundle signs each policy with priv and returns a SignedPolicyBundle.
func SignBundle(priv ed25519.PrivateKey, policies []AccessPolicy) (*SignedPolicyBundle, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key size %d", len(priv))
	}
	b := &SignedPolicyBundle{Policies: policies, Signatures: make(map[string]string)}
	for _, p := range policies {
		payload, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		sig := ed25519.Sign(priv, payload)
		b.Signatures[p.ID] = base64.StdEncoding.EncodeToString(sig)
	}
	return b, nil
}

// VerifyBundle checks every policy signature against pub.
func VerifyBundle(pub ed25519.PublicKey, b *SignedPolicyBundle) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pub))
	}
	for _, p := range b.Policies {
		sigB64, ok := b.Signatures[p.ID]
		if !ok {
			return false, fmt.Errorf("missing signature for policy %s", p.ID)
		}
		sig, err := base64.StdEncoding.DecodeString(sigB64)
		if err != nil {
			return false, err
		}
		payload, err := json.Marshal(p)
		if err != nil {
			return false, err
		}
		if !ed25519.Verify(pub, payload, sig) {
			return false, nil
		}
	}
	return true, nil
}

// BundleSubscriber receives signed policy bundles when the set changes.
type BundleSubscriber interface {
	OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	return f(ctx, pub, bundle)
}

// PolicyBundleDistributor pushes signed snapshots of a policy registry to
// subscribers whenever a change is signaled, and rotates its signing key on
// an interval.
type PolicyBundleDistributor struct {
	registry         *PolicyRegistry
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan struct{}
	stopCh           chan struct{}
	subscribers      []BundleSubscriber
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type PolicyBundleDistributorOption func(*PolicyBundleDistributor)

func WithBundleSigningKey(priv ed25519.PrivateKey) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if priv != nil && len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

func WithBundleRotationInterval(interval time.Duration) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

func NewPolicyBundleDistributor(registry *PolicyRegistry, opts ...PolicyBundleDistributorOption) (*PolicyBundleDistributor, error) {
	if registry == nil {
		return nil, fmt.Errorf("policy registry is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &PolicyBundleDistributor{
		registry:         registry,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *PolicyBundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-d.notifyCh:
				if err := d.distribute(ctx); err != nil {
					log.Printf("bundle distribution failed: %v", err)
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					log.Printf("bundle key rotation failed: %v", err)
				}
			}
		}
	}()
}

func (d *PolicyBundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyPolicyChange signals that the registry changed. Coalesces while a
// distribution is pending.
func (d *PolicyBundleDistributor) NotifyPolicyChange() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *PolicyBundleDistributor) RegisterSubscriber(sub BundleSubscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *PolicyBundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	return nil
}

func (d *PolicyBundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

func (d *PolicyBundleDistributor) distribute(ctx context.Context) error {
	policies := d.registry.Snapshot()

	d.mu.RLock()
	priv := d.priv
	pub := append(ed25519.PublicKey(nil), d.pub...)
	subs := append([]BundleSubscriber(nil), d.subscribers...)
	d.mu.RUnlock()

	bundle, err := SignBundle(priv, policies)
	if err != nil {
		return err
	}
	bundle.Meta = map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"signing_key":  base64.StdEncoding.EncodeToString(pub),
		"policy_count": len(policies),
	}

	for _, sub := range subs {
		if err := sub.OnBundle(ctx, pub, bundle); err != nil {
			log.Printf("bundle subscriber error: %v", err)
		}
	}
	return nil
}
