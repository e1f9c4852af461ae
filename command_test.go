package mqttv3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "dev1/messages/json", MessagesTopic("dev1"))
	assert.Equal(t, "dev1/tasks/json", TasksTopic("dev1"))
	assert.Equal(t, "dev1/acks/json", AcksTopic("dev1"))
}

func TestDecodeCommandParams(t *testing.T) {
	payload := `{"uid":"u1","timestamp":100,"command":{"id":"dev1","params":[{"k1":"v1"},{"k2":"v2"}]}}`

	cmd, err := DecodeCommand([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, CommandCustom, cmd.Kind)
	assert.Equal(t, "u1", cmd.UID)
	assert.Equal(t, int64(100), cmd.Timestamp)
	assert.Equal(t, "dev1", cmd.ID)
	assert.Equal(t, []Param{{"k1", "v1"}, {"k2", "v2"}}, cmd.Params)
	assert.Equal(t, "dev1.k1", cmd.FullKey(0))

	// Iterating the raw params by index yields exactly two pairs.
	body, ok := GetValue(payload, "command")
	require.True(t, ok)
	params, ok := GetValue(body, "params")
	require.True(t, ok)

	var pairs [][2]string
	for i := 0; ; i++ {
		key, value, ok := GetValueAt(params, i)
		if !ok {
			break
		}
		pairs = append(pairs, [2]string{key, value})
	}
	assert.Equal(t, [][2]string{{"k1", "v1"}, {"k2", "v2"}}, pairs)
}

func TestDecodeCommandWrite(t *testing.T) {
	payload := `[{"uid": "c117", "timestamp": 1498662247030, "write": [{"key3.id3.test"   :   85    }]}]`

	cmd, err := DecodeCommand([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, CommandWrite, cmd.Kind)
	assert.Equal(t, "c117", cmd.UID)
	assert.Equal(t, int64(1498662247030), cmd.Timestamp)
	require.Len(t, cmd.Params, 1)
	assert.Equal(t, Param{Key: "key3.id3.test", Value: "85"}, cmd.Params[0])
	assert.Equal(t, "key3.id3.test", cmd.FullKey(0))
}

func TestDecodeCommandWithoutParams(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"uid":"u2","command":{"id":"reboot"}}`))
	require.NoError(t, err)
	assert.Equal(t, "reboot", cmd.ID)
	assert.Empty(t, cmd.Params)
	assert.Zero(t, cmd.Timestamp)
}

func TestDecodeCommandInvalid(t *testing.T) {
	for _, payload := range []string{``, `{"uid":"u3"}`, `{"command"`, `garbage`} {
		t.Run(payload, func(t *testing.T) {
			_, err := DecodeCommand([]byte(payload))
			assert.ErrorIs(t, err, ErrInvalidCommand)
		})
	}

	cmd, err := DecodeCommand([]byte(`{"uid":"u3"}`))
	require.Error(t, err)
	assert.Equal(t, "u3", cmd.UID)
}

func TestEncodeAck(t *testing.T) {
	data, err := EncodeAck("u1", AckOK, "")
	require.NoError(t, err)
	assert.Equal(t, `[{"uid":"u1","status":"OK"}]`, string(data))

	data, err = EncodeAck("u2", AckError, "bad <payload>")
	require.NoError(t, err)
	assert.Equal(t, `[{"uid":"u2","status":"ERROR","message":"bad <payload>"}]`, string(data))
}
