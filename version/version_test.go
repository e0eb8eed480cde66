package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setVersion(t *testing.T, v string) {
	t.Helper()
	old := version
	version = v
	t.Cleanup(func() { version = old })
}

func TestSemVer(t *testing.T) {
	setVersion(t, "development")
	assert.Equal(t, "0.0.0", SemVer().String())

	setVersion(t, "1.4.2")
	assert.Equal(t, "1.4.2", SemVer().String())
	assert.Equal(t, "1.4.2", Version())
	assert.Contains(t, String(), "icemux 1.4.2")
}

func TestAtLeast(t *testing.T) {
	setVersion(t, "1.4.2")

	ok, err := AtLeast("1.4.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AtLeast("2.0.0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = AtLeast("not-a-version")
	assert.Error(t, err)
}
