package crypto

import (
	"testing"

	"github.com/cuemby/ctld/pkg/ctlerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)

	cred := NewStepCredential(1, 0, 1000, 512, []string{"n1", "n2"}, nil)
	require.NoError(t, b.Sign(cred))
	assert.NotEmpty(t, cred.Signature)
	assert.NoError(t, b.Verify(cred))
}

func TestVerifyRejectsTamperedCredential(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)

	cred := NewStepCredential(1, 0, 1000, 512, []string{"n1"}, nil)
	require.NoError(t, b.Sign(cred))

	cred.UID = 0 // privilege escalation attempt
	assert.Error(t, b.Verify(cred))
}

func TestVerifyLeavesSignatureIntact(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)

	cred := NewStepCredential(2, 1, 1000, 0, nil, nil)
	require.NoError(t, b.Sign(cred))
	sig := append([]byte(nil), cred.Signature...)

	require.NoError(t, b.Verify(cred))
	assert.Equal(t, sig, cred.Signature)
}

func TestNoncesDiffer(t *testing.T) {
	a := NewStepCredential(1, 0, 0, 0, nil, nil)
	b := NewStepCredential(1, 0, 0, 0, nil, nil)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestSwitchSameNameReconfigures(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)

	got, cerr := Switch(b, "crypto/hmac", "")
	assert.Nil(t, cerr)
	assert.Equal(t, b, got)
}

func TestSwitchChangedNameIsSoftError(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)

	got, cerr := Switch(b, "crypto/munge", "")
	require.NotNil(t, cerr)
	assert.Equal(t, ctlerrors.InvalidCheckpointChange, cerr.Code)
	assert.Equal(t, b, got, "the running backend stays in place on a rejected change")
}
