// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package errs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorf(t *testing.T) {
	err := Errorf(UnevenPartition, 7, "extent %d not divisible by %d cores", 7, 2)
	require.Error(t, err)
	assert.Equal(t, UnevenPartition, KindOf(err))
	assert.Equal(t, 7, ValueOf(err))
	assert.True(t, Is(err, UnevenPartition))
	assert.False(t, Is(err, InvalidTiling))
	assert.Contains(t, err.Error(), "UnevenPartition")
	assert.Contains(t, err.Error(), "not divisible")

	// Stack trace is available with %+v.
	assert.Contains(t, fmt.Sprintf("%+v", err), "errs_test.go")
}

func TestWrapping(t *testing.T) {
	inner := Errorf(StrideLimitExceeded, 70000, "stride %d too large", 70000)
	wrapped := errors.Wrap(inner, "while scheduling B tile")
	assert.Equal(t, StrideLimitExceeded, KindOf(wrapped))
	assert.Equal(t, 70000, ValueOf(wrapped))

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.Equal(t, StrideLimitExceeded, e.Kind)

	assert.NoError(t, Wrapf(nil, LoweringError, nil, "nothing"))
	err := Wrapf(errors.New("boom"), LoweringError, "x", "lowering %s", "x")
	assert.True(t, Is(err, LoweringError))
	assert.Contains(t, err.Error(), "boom")
}

func TestUnknown(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Nil(t, ValueOf(errors.New("plain")))
	assert.False(t, Is(nil, Unknown))
	assert.Equal(t, "Kind(99)", Kind(99).String())
	assert.Equal(t, "BufferOverflow", BufferOverflow.String())
}
