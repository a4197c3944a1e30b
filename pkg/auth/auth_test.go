package auth

import (
	"testing"

	"github.com/cuemby/ctld/pkg/ctlerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadNoneBackend(t *testing.T) {
	b, err := Load("auth/none", nil)
	require.NoError(t, err)
	assert.Equal(t, "auth/none", b.Name())

	ident, err := b.Verify([]byte("anything"))
	require.NoError(t, err)
	assert.Equal(t, 0, ident.UID)
}

func TestLoadUnknownBackend(t *testing.T) {
	_, err := Load("auth/munge", nil)
	assert.Error(t, err)
}

func TestSwitchSameNameKeepsBackend(t *testing.T) {
	b, err := Load("auth/none", nil)
	require.NoError(t, err)

	got, cerr := Switch(b, "auth/none", nil)
	assert.Nil(t, cerr)
	assert.Equal(t, b, got)
}

func TestSwitchChangedNameIsSoftError(t *testing.T) {
	b, err := Load("auth/none", nil)
	require.NoError(t, err)

	got, cerr := Switch(b, "auth/munge", nil)
	require.NotNil(t, cerr)
	assert.Equal(t, ctlerrors.InvalidAuthTypeChange, cerr.Code)
	assert.Equal(t, b, got, "the running backend stays in place on a rejected change")
}
