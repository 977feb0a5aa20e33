package sync

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageType(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		for _, messageType := range []messageType{
			messageTypeHandshake,
			messageTypeFullSyncRequest,
			messageTypeFullSyncResponse,
			messageTypeFlood,
			messageTypeDigest,
		} {
			var buf bytes.Buffer
			require.NoError(t, writeMessageType(&buf, messageType))

			read, err := readMessageType(&buf)
			require.NoError(t, err)
			assert.Equal(t, messageType, read)
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		buf := bytes.NewBuffer([]byte{
			byte(messageTypeFlood),
			supportedVersion + 1,
		})
		_, err := readMessageType(buf)
		assert.Error(t, err)
	})
}

func TestProtocol_Encoding(t *testing.T) {
	t.Run("handshake", func(t *testing.T) {
		var buf bytes.Buffer
		sent := handshakeHeader{
			NodeID: "node-1",
			Areas:  []string{"default", "backbone"},
		}
		require.NoError(t, newEncoder(&buf).Encode(&sent))

		var received handshakeHeader
		require.NoError(t, newDecoder(&buf).Decode(&received))
		assert.Equal(t, sent, received)
	})

	t.Run("digest", func(t *testing.T) {
		var buf bytes.Buffer
		sent := digestHeader{
			Area:    "default",
			Digest:  0xdeadbeef,
			Request: true,
		}
		require.NoError(t, newEncoder(&buf).Encode(&sent))

		var received digestHeader
		require.NoError(t, newDecoder(&buf).Decode(&received))
		assert.Equal(t, sent, received)
	})
}
