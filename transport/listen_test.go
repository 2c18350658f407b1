package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenBindsDynamicPort(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	require.NotEqual(t, "127.0.0.1:0", ln.Addr().String())
}

func TestListenFixedPortTwiceFails(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(ln.Addr().String())
	require.Error(t, err, "binding the same fixed port twice must not be retried")
}

func TestListenRejectsMalformedAddress(t *testing.T) {
	_, err := Listen("not-a-host-port")
	require.Error(t, err)
}
