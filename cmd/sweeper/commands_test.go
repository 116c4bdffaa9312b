package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ogsolar-core/internal/utils"
)

func TestDayRange(t *testing.T) {
	start, end, err := dayRange("2025-03-01", "2025-03-31")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), end, "to covers the whole last day")

	start, end, err = dayRange("", "")
	require.NoError(t, err)
	assert.True(t, start.IsZero())
	assert.True(t, end.IsZero())

	_, _, err = dayRange("01/03/2025", "")
	assert.ErrorContains(t, err, "--from")
}

func TestIssueToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	cmd := issueTokenCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--staff", "c-7", "--name", "Wanjiru", "--role", utils.RoleCashier})
	require.NoError(t, cmd.Execute())

	issuer, err := utils.NewTokenIssuer("cli-secret", time.Hour)
	require.NoError(t, err)
	claims, err := issuer.ParseToken(string(bytes.TrimSpace(out.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, "c-7", claims.StaffID)
	assert.Equal(t, utils.RoleCashier, claims.Role)
}

func TestIssueTokenRejectsUnknownRole(t *testing.T) {
	cmd := issueTokenCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--staff", "c-7", "--role", "manager"})
	assert.ErrorContains(t, cmd.Execute(), "unknown role")
}

func TestSweepRejectsZeroTimeout(t *testing.T) {
	cmd := sweepCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--timeout-minutes", "0"})
	assert.ErrorContains(t, cmd.Execute(), "at least 1")
}
