package certutil_test

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"

	"github.com/effective-security/tokensign/certutil"
	"github.com/effective-security/tokensign/oid"
	"github.com/effective-security/tokensign/testca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindExtension(t *testing.T) {
	list := []pkix.Extension{
		{
			Id:    asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 25},
			Value: []byte{05, 00},
		},
	}

	assert.Nil(t, certutil.FindExtension(nil, asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 25}))
	assert.Nil(t, certutil.FindExtension(list, asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 26}))

	ext := certutil.FindExtension(list, asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 25})
	require.NotNil(t, ext)
	assert.Equal(t, list[0], *ext)
}

func TestHasExtension(t *testing.T) {
	ca := testca.NewEntity(testca.Authority)

	leaf := ca.Issue(testca.ExtKeyUsage(x509.ExtKeyUsageClientAuth))
	assert.True(t, certutil.HasExtension(leaf.Certificate, oid.ExtensionBasicConstraints))
	assert.True(t, certutil.HasExtension(leaf.Certificate, oid.ExtensionExtendedKeyUsage))

	bare := ca.Issue(testca.NoBasicConstraints)
	assert.False(t, certutil.HasExtension(bare.Certificate, oid.ExtensionBasicConstraints))
	assert.False(t, certutil.HasExtension(bare.Certificate, oid.ExtensionExtendedKeyUsage))
}
