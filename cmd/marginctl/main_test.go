package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() { dryRun = false })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRateToPrice(t *testing.T) {
	out, err := execute(t, "", "rate-to-price", "500", "31536000")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "4090445043 "), out)

	out, err = execute(t, "", "rate-to-price", "500", "8760h")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "4090445043 "), out)
}

func TestPriceToRate(t *testing.T) {
	out, err := execute(t, "", "price-to-rate", "4294967296", "86400")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)

	_, err = execute(t, "", "price-to-rate", "0", "86400")
	assert.Error(t, err)
}

func TestParseTenor(t *testing.T) {
	n, err := parseTenor("3600")
	require.NoError(t, err)
	assert.Equal(t, uint64(3600), n)

	n, err = parseTenor("2h")
	require.NoError(t, err)
	assert.Equal(t, uint64(7200), n)

	_, err = parseTenor("500ms")
	assert.Error(t, err)
	_, err = parseTenor("soon")
	assert.Error(t, err)
}

func TestPublishDryRun(t *testing.T) {
	payload := `{
		"idempotency_key": "k-1",
		"source_sequence": 1,
		"timestamp": 1700000000,
		"account": "6f1c2f43-5b1e-4a57-9a53-3f0d3c1b0a01",
		"owner": "0c4b1d7e-2a52-4a0c-8f4e-8f5d0a4b9e02",
		"airspace": "a1d3f1c9-7d41-4c43-9a0b-1b2c3d4e5f03"
	}`
	out, err := execute(t, payload, "publish", "create_account", "-", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "ok create_account key=k-1\n", out)

	_, err = execute(t, `{"idempotency_key":"k-2","timestamp":1}`, "publish", "create_account", "-", "--dry-run")
	assert.Error(t, err, "missing ids must be rejected before publishing")

	_, err = execute(t, "{}", "publish", "not_a_type", "-", "--dry-run")
	assert.Error(t, err)
}
