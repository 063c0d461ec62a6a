// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	require := require.New(t)

	require.Equal(http.StatusBadRequest, NewInvalidInput("missing %s", "challenge_id").StatusCode())
	require.Equal(http.StatusBadRequest, NewValidation("mailbox disabled", nil).StatusCode())
	require.Equal(http.StatusInternalServerError, NewRequest("receive", context.DeadlineExceeded).StatusCode())
	require.Equal(http.StatusInternalServerError, NewConfig("no macaroon").StatusCode())
	require.Equal(http.StatusInternalServerError, StatusCode(errors.New("opaque")))
	require.Equal(http.StatusBadRequest, StatusCode(fmt.Errorf("wrapped: %w", NewInvalidInput("x"))))
}

func TestClassification(t *testing.T) {
	require := require.New(t)

	err := fmt.Errorf("stream: %w", NewRequest("receive", context.DeadlineExceeded))
	require.True(Is(err, Request))
	require.True(IsNetwork(err))
	require.ErrorIs(err, context.DeadlineExceeded)

	decode := NewRequest("receive", errors.New("invalid character '<' looking for beginning of value"))
	require.True(Is(decode, Request))
	require.False(IsNetwork(decode))

	require.False(IsNetwork(NewValidation("status 500", nil)))
	require.Equal("invalid input: missing field signature", NewInvalidInput("missing field %s", "signature").Error())
}
