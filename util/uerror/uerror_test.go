package uerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseError(t *testing.T) {
	assert.Nil(t, ParseError(nil))

	e := ParseError(ErrResourceExhausted)
	require.NotNil(t, e)
	assert.Equal(t, CodeResourceExhausted, e.Code)
	assert.Equal(t, "resource limit exceeded", e.ErrMsg)

	wrapped := fmt.Errorf("admit: %w", ErrUnavailable)
	assert.Equal(t, CodeUnavailable, ParseError(wrapped).Code)

	plain := ParseError(errors.New("boom"))
	assert.Equal(t, CodeInternal, plain.Code)
	assert.Equal(t, "boom", plain.ErrMsg)
}

func TestParseError_wireEncoded(t *testing.T) {
	remote := errors.New(NewError(CodeNotFound, "gone").Error())
	e := ParseError(remote)
	assert.Equal(t, CodeNotFound, e.Code)
	assert.Equal(t, "gone", e.ErrMsg)
}

func TestError_Is(t *testing.T) {
	assert.True(t, errors.Is(NewError(CodeResourceExhausted, "origin 1.2.3.4 limited"), ErrResourceExhausted))
	assert.False(t, errors.Is(NewError(CodeInternal, "x"), ErrResourceExhausted))
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeOK, Code(nil))
	assert.Equal(t, CodeTimeout, Code(ErrRequestTimeout))
}
