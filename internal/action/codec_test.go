package action

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
)

func sample() *Message {
	return &Message{
		Action:       CmdTimeRequest,
		MessageID:    7,
		SourceID:     ids.GlobalId(12),
		DestID:       ids.GlobalId(34),
		SourceHandle: ids.HandleId(1),
		DestHandle:   ids.HandleId(2),
		SequenceID:   99,
		ActionTime:   hltime.FromSeconds(1.5),
		Te:           hltime.FromSeconds(2.5),
		Tdemin:       hltime.Epsilon,
		Counter:      3,
		Flags:        FlagIterationRequested | FlagRequired,
		Payload:      []byte("hello"),
		StringData:   []string{"a", "bb", ""},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msgs := []*Message{
		sample(),
		{Action: CmdIgnore},
		{Action: CmdAck, StringData: []string{}},
		{Action: CmdPubData, Payload: make([]byte, 0)},
	}

	for _, m := range msgs {
		encoded, err := Encode(m)
		require.NoError(t, err)

		decoded, consumed, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), consumed)

		assert.Equal(t, m.Action, decoded.Action)
		assert.Equal(t, m.MessageID, decoded.MessageID)
		assert.Equal(t, m.SourceID, decoded.SourceID)
		assert.Equal(t, m.DestID, decoded.DestID)
		assert.Equal(t, m.SourceHandle, decoded.SourceHandle)
		assert.Equal(t, m.DestHandle, decoded.DestHandle)
		assert.Equal(t, m.SequenceID, decoded.SequenceID)
		assert.Equal(t, m.ActionTime, decoded.ActionTime)
		assert.Equal(t, m.Te, decoded.Te)
		assert.Equal(t, m.Tdemin, decoded.Tdemin)
		assert.Equal(t, m.Counter, decoded.Counter)
		assert.Equal(t, m.Flags, decoded.Flags)
		if len(m.Payload) == 0 {
			assert.Empty(t, decoded.Payload)
		} else {
			assert.Equal(t, m.Payload, decoded.Payload)
		}
		if len(m.StringData) == 0 {
			assert.Empty(t, decoded.StringData)
		} else {
			assert.Equal(t, m.StringData, decoded.StringData)
		}
	}
}

func TestDecodeTruncatedFrameNeedsMoreBytes(t *testing.T) {
	m := sample()
	encoded, err := Encode(m)
	require.NoError(t, err)

	for cut := 0; cut < len(encoded); cut++ {
		_, _, err := Decode(encoded[:cut])
		assert.ErrorIs(t, err, ErrNeedMoreBytes, "cut at %d should need more bytes", cut)
	}
}

func TestPacketizeDepacketizeRoundTrip(t *testing.T) {
	m := sample()
	framed, err := Packetize(m)
	require.NoError(t, err)

	// Simulate a partial read on a stream transport.
	_, _, err = Depacketize(framed[:len(framed)-1])
	assert.ErrorIs(t, err, ErrNeedMoreBytes)

	decoded, consumed, err := Depacketize(framed)
	require.NoError(t, err)
	assert.Equal(t, len(framed), consumed)
	assert.Equal(t, m.Action, decoded.Action)
	assert.Equal(t, m.Payload, decoded.Payload)
}

func TestDepacketizeTwoFramesBackToBack(t *testing.T) {
	a, err := Packetize(sample())
	require.NoError(t, err)
	b, err := Packetize(&Message{Action: CmdDisconnect})
	require.NoError(t, err)

	buf := append(append([]byte(nil), a...), b...)

	m1, n1, err := Depacketize(buf)
	require.NoError(t, err)
	assert.Equal(t, CmdTimeRequest, m1.Action)

	m2, n2, err := Depacketize(buf[n1:])
	require.NoError(t, err)
	assert.Equal(t, CmdDisconnect, m2.Action)
	assert.Equal(t, len(buf), n1+n2)
}

func TestUnknownKindStringIsForwardCompatible(t *testing.T) {
	k := Kind(9999)
	assert.Contains(t, k.String(), "CMD_UNKNOWN")
}

func TestDecodeMapsUnknownTagToIgnore(t *testing.T) {
	m := sample()
	m.Action = Kind(9999)
	encoded, err := Encode(m)
	require.NoError(t, err)

	decoded, _, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, CmdIgnore, decoded.Action)
}

func TestChannelClassification(t *testing.T) {
	assert.Equal(t, PriorityChannel, (&Message{Action: CmdRegBroker}).Channel())
	assert.Equal(t, OrderedChannel, (&Message{Action: CmdTimeRequest}).Channel())
	assert.Equal(t, OrderedChannel, (&Message{Action: CmdPubData}).Channel())
	assert.Equal(t, PriorityChannel, (&Message{Action: CmdQuery}).Channel())
	assert.Equal(t, OrderedChannel, (&Message{Action: CmdQueryOrdered}).Channel())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	m := sample()
	require.NoError(t, Sign(m, priv))
	assert.True(t, Verify(m))

	encoded, err := Encode(m)
	require.NoError(t, err)
	decoded, _, err := Decode(encoded)
	require.NoError(t, err)
	assert.True(t, Verify(decoded))

	decoded.StringData[0] = "tampered"
	assert.False(t, Verify(decoded))
}

func TestVerifyRejectsUnsignedMessage(t *testing.T) {
	assert.False(t, Verify(sample()))
}

func TestCloneDeepCopiesSlices(t *testing.T) {
	m := sample()
	c := m.Clone()
	c.Payload[0] = 'X'
	c.StringData[0] = "changed"
	assert.NotEqual(t, m.Payload[0], c.Payload[0])
	assert.NotEqual(t, m.StringData[0], c.StringData[0])
}
