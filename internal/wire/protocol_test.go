package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSendRecvDataPkt_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		payload := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "payload")

		done := make(chan error, 1)
		received := make([]byte, len(payload))
		go func() {
			done <- RecvDataPkt(server, received)
		}()

		verdictCh := make(chan Verdict, 1)
		errCh := make(chan error, 1)
		go func() {
			v, err := SendDataPkt(client, payload)
			verdictCh <- v
			errCh <- err
		}()

		require.NoError(t, <-done)
		assert.Equal(t, payload, received)

		require.NoError(t, SendResponseByte(server, VerdictMatch))
		require.NoError(t, <-errCh)
		assert.Equal(t, VerdictMatch, <-verdictCh)
	})
}

func TestRecvDataPkt_FrameMismatchIsDrainedNotFatal(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	done := make(chan error, 1)
	into := make([]byte, 4) // caller expects a different size
	go func() {
		done <- RecvDataPkt(server, into)
	}()

	sendErr := make(chan error, 1)
	go func() {
		_, err := SendDataPkt(client, payload)
		sendErr <- err
	}()

	err := <-done
	assert.ErrorIs(t, err, ErrFrameMismatch)

	// The connection must still be framed: a response byte completes
	// the sender's call cleanly rather than leaving stray bytes behind.
	require.NoError(t, SendResponseByte(server, VerdictMismatch))
	require.NoError(t, <-sendErr)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "match", VerdictMatch.String())
	assert.Equal(t, "end-of-test", VerdictEndOfTest.String())
	assert.Equal(t, "mismatch", VerdictMismatch.String())
}
