package multiaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyScope(t *testing.T) {
	cases := []struct {
		addr string
		want Scope
	}{
		{"/ip4/127.0.0.1/tcp/1634", ScopeLoopback},
		{"/ip4/192.168.1.5/tcp/1634", ScopePrivate},
		{"/ip4/169.254.1.5/tcp/1634", ScopeLinkLocal},
		{"/ip4/8.8.8.8/tcp/1634", ScopePublic},
		{"/ip4/0.0.0.0/tcp/1634", ScopeUnknown},
	}
	for _, c := range cases {
		m, err := Parse(c.addr)
		require.NoError(t, err)
		assert.Equal(t, c.want, ClassifyScope(m), c.addr)
	}
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-a-multiaddr")
	assert.ErrorIs(t, err, ErrInvalidMultiaddr)
}

func TestBytesRoundTrip(t *testing.T) {
	m, err := Parse("/ip4/1.2.3.4/tcp/1634")
	require.NoError(t, err)
	b := m.Bytes()
	m2, err := NewFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, m.String(), m2.String())
}

func TestIsIPv6(t *testing.T) {
	m, err := Parse("/ip6/::1/tcp/1634")
	require.NoError(t, err)
	assert.True(t, m.IsIPv6())
}
