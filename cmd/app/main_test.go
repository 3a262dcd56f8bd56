//go:build unit || !integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitDomains(t *testing.T) {
	assert.Equal(t, []string{"payments"}, splitDomains("payments"))
	assert.Equal(t, []string{"payments", "billing"}, splitDomains("payments, billing"))
	assert.Equal(t, []string{"payments", "billing"}, splitDomains("payments,,billing,"))
	assert.Empty(t, splitDomains(""))
	assert.Empty(t, splitDomains(" , "))
}

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("BUS_TEST_STRING", "set")
	assert.Equal(t, "set", getEnvWithDefault("BUS_TEST_STRING", "fallback"))
	assert.Equal(t, "fallback", getEnvWithDefault("BUS_TEST_MISSING", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("BUS_TEST_INT", "15")
	assert.Equal(t, 15, getEnvInt("BUS_TEST_INT", 5))

	t.Setenv("BUS_TEST_INT", "not a number")
	assert.Equal(t, 5, getEnvInt("BUS_TEST_INT", 5))

	assert.Equal(t, 5, getEnvInt("BUS_TEST_INT_MISSING", 5))
}

func TestParseOTLPHeaders(t *testing.T) {
	headers := parseOTLPHeaders("x-api-key=secret,x-team=infra")
	assert.Equal(t, "secret", headers["x-api-key"])
	assert.Equal(t, "infra", headers["x-team"])

	assert.Empty(t, parseOTLPHeaders(""))
	assert.Empty(t, parseOTLPHeaders("malformed"))
}
