package errors

import (
	"errors"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatErrorOrNil(t *testing.T) {
	assert.NoError(t, FormatErrorOrNil(nil))
	assert.NoError(t, FormatErrorOrNil(&multierror.Error{}))

	first := errors.New("close control socket")
	err := FormatErrorOrNil(multierror.Append(nil, first))
	require.Error(t, err)
	assert.Equal(t, "close control socket", err.Error())

	err = FormatErrorOrNil(multierror.Append(nil, first, errors.New("close data socket")))
	assert.Equal(t, "2 errors: close control socket; close data socket", err.Error())
	assert.ErrorIs(t, err, first)
}
