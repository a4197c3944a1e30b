// Package crypto implements the pluggable credential-signing backend.
// Job-step launch credentials are signed here and verified by worker
// daemons; the signing algorithm is itself pluggable, so only an
// HMAC-based reference backend ships.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/ctld/pkg/ctlerrors"
	"github.com/google/uuid"
)

// StepCredential is the signed record minted for job-step-create:
// job-id, step-id, uid, per-step memory bound, node-list, and a
// core-bitmap indexed by the job's own allocation (not the cluster). Nonce
// is a per-mint random value so replaying an identical credential body
// against the signature check still produces a distinct wire record.
type StepCredential struct {
	JobID      int      `json:"job_id"`
	StepID     int      `json:"step_id"`
	UID        int      `json:"uid"`
	MemoryMB   int64    `json:"memory_mb"`
	NodeList   []string `json:"node_list"`
	CoreBitmap []byte   `json:"core_bitmap"`
	Nonce      string   `json:"nonce"`
	Signature  []byte   `json:"signature"`
}

// NewStepCredential fills in the fields the minting side owns (id, nonce)
// before signing.
func NewStepCredential(jobID, stepID, uid int, memoryMB int64, nodeList []string, coreBitmap []byte) *StepCredential {
	return &StepCredential{
		JobID:      jobID,
		StepID:     stepID,
		UID:        uid,
		MemoryMB:   memoryMB,
		NodeList:   nodeList,
		CoreBitmap: coreBitmap,
		Nonce:      uuid.NewString(),
	}
}

// Backend is the capability set every crypto plugin implements.
type Backend interface {
	Name() string
	Init(keyPath string) error
	Reconfigure(keyPath string) error
	Shutdown() error
	Sign(c *StepCredential) error
	Verify(c *StepCredential) error
}

// hmacBackend signs with a shared key read from keyPath, standing in for
// a production signing plugin such as munge.
type hmacBackend struct {
	key []byte
}

func (b *hmacBackend) Name() string { return "crypto/hmac" }

func (b *hmacBackend) Init(keyPath string) error {
	if keyPath == "" {
		b.key = []byte("ctld-dev-key")
		return nil
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("crypto: read key: %w", err)
	}
	b.key = data
	return nil
}

func (b *hmacBackend) Reconfigure(keyPath string) error { return b.Init(keyPath) }
func (b *hmacBackend) Shutdown() error                  { return nil }

func (b *hmacBackend) Sign(c *StepCredential) error {
	c.Signature = nil
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, b.key)
	mac.Write(payload)
	c.Signature = mac.Sum(nil)
	return nil
}

func (b *hmacBackend) Verify(c *StepCredential) error {
	want := c.Signature
	c.Signature = nil
	defer func() { c.Signature = want }()

	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, b.key)
	mac.Write(payload)
	got := mac.Sum(nil)
	if !hmac.Equal(got, want) {
		return fmt.Errorf("crypto: signature mismatch")
	}
	return nil
}

// New returns the reference HMAC-based signing backend, initialised from
// Config.CryptoKeyPath.
func New(keyPath string) (Backend, error) {
	b := &hmacBackend{}
	if err := b.Init(keyPath); err != nil {
		return nil, err
	}
	return b, nil
}

// Switch mirrors auth.Switch: a changed CheckpointType/CryptoType backend
// name across reconfigure surfaces as a soft error rather than a silent
// reinitialisation. Returns ctlerrors.InvalidCheckpointChange when the
// name changed, matching auth.Switch's InvalidAuthTypeChange; the caller
// keeps running the current backend and needs a restart to pick up the
// new one.
func Switch(current Backend, newName, keyPath string) (Backend, *ctlerrors.Error) {
	if current != nil && current.Name() == newName {
		if err := current.Reconfigure(keyPath); err != nil {
			return current, ctlerrors.Newf(ctlerrors.Internal, "crypto reconfigure: %v", err)
		}
		return current, nil
	}
	return current, ctlerrors.Newf(ctlerrors.InvalidCheckpointChange, "cryptotype changed to %s; restart required", newName)
}
