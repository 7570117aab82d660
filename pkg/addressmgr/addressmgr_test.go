package addressmgr

import (
	"net"
	"testing"

	"github.com/ethersphere/beenet/pkg/multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservedAddressConfirmationScenario(t *testing.T) {
	m := New(Config{ConfirmationThreshold: 2, NATAuto: true})

	observed, err := multiaddr.Parse("/ip4/203.0.113.5/tcp/1634")
	require.NoError(t, err)

	publicReporter := net.ParseIP("8.8.8.8")
	privateReporter := net.ParseIP("192.168.1.2")

	m.OnObservedAddr(observed, publicReporter)
	m.OnObservedAddr(observed, privateReporter)
	assert.False(t, m.IsConfirmed(observed), "private reporter's public observation must be discarded")

	secondPublicReporter := net.ParseIP("1.1.1.1")
	m.OnObservedAddr(observed, secondPublicReporter)
	assert.True(t, m.IsConfirmed(observed))
}

func TestConfirmationThresholdOne(t *testing.T) {
	m := New(Config{ConfirmationThreshold: 1, NATAuto: true})
	observed, err := multiaddr.Parse("/ip4/203.0.113.9/tcp/1634")
	require.NoError(t, err)
	m.OnObservedAddr(observed, net.ParseIP("9.9.9.9"))
	assert.True(t, m.IsConfirmed(observed))
}

func TestOnObservedAddrDisabledWithoutNATAuto(t *testing.T) {
	m := New(Config{ConfirmationThreshold: 1, NATAuto: false})
	observed, err := multiaddr.Parse("/ip4/203.0.113.9/tcp/1634")
	require.NoError(t, err)
	m.OnObservedAddr(observed, net.ParseIP("9.9.9.9"))
	assert.False(t, m.IsConfirmed(observed))
}

func TestAddressesForPeerPublicScope(t *testing.T) {
	publicListen, err := multiaddr.Parse("/ip4/203.0.113.1/tcp/1634")
	require.NoError(t, err)
	privateListen, err := multiaddr.Parse("/ip4/192.168.1.1/tcp/1634")
	require.NoError(t, err)

	m := New(Config{
		ConfirmationThreshold: 1,
		NATAuto:               true,
		ListenAddrs:           []multiaddr.Multiaddr{publicListen, privateListen},
	})

	confirmed, err := multiaddr.Parse("/ip4/203.0.113.5/tcp/1634")
	require.NoError(t, err)
	m.OnObservedAddr(confirmed, net.ParseIP("1.1.1.1"))

	peerAddr, err := multiaddr.Parse("/ip4/198.51.100.1/tcp/1634")
	require.NoError(t, err)

	addrs := m.AddressesForPeer(peerAddr)
	var foundPublicListen, foundConfirmed, foundPrivate bool
	for _, a := range addrs {
		switch a.String() {
		case publicListen.String():
			foundPublicListen = true
		case confirmed.String():
			foundConfirmed = true
		case privateListen.String():
			foundPrivate = true
		}
	}
	assert.True(t, foundPublicListen)
	assert.True(t, foundConfirmed)
	assert.False(t, foundPrivate)
}

func TestAddressesForPeerLoopbackScope(t *testing.T) {
	loopback, err := multiaddr.Parse("/ip4/127.0.0.1/tcp/1634")
	require.NoError(t, err)
	public, err := multiaddr.Parse("/ip4/203.0.113.1/tcp/1634")
	require.NoError(t, err)

	m := New(Config{ListenAddrs: []multiaddr.Multiaddr{loopback, public}})
	peerAddr, err := multiaddr.Parse("/ip4/127.0.0.1/tcp/9999")
	require.NoError(t, err)

	addrs := m.AddressesForPeer(peerAddr)
	require.Len(t, addrs, 1)
	assert.Equal(t, loopback.String(), addrs[0].String())
}
