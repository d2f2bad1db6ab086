package tls_test

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exchangetls "exchange-service/internal/tls"
)

func TestDevCertGenerator_GeneratesAndReuses(t *testing.T) {
	dir := t.TempDir()
	gen := exchangetls.NewDevCertGenerator(dir)
	hosts := []string{"exchange.local", "localhost", "127.0.0.1"}

	first, err := gen.GenerateCert(hosts)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, leaf.VerifyHostname("exchange.local"))
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))

	second, err := gen.GenerateCert(hosts)
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])

	// A new host forces regeneration.
	third, err := gen.GenerateCert(append(hosts, "other.local"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], third.Certificate[0])
}
