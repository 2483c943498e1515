package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"correlationId":" c-1 ","userId":"u-1","response":{"Coffee":"Food"}}`))
	require.NoError(t, err)
	assert.Equal(t, "c-1", msg.CorrelationID)
	assert.Equal(t, "u-1", msg.UserID)
	assert.JSONEq(t, `{"Coffee":"Food"}`, string(msg.Response))
}

func TestDecodeMessage_Poison(t *testing.T) {
	bodies := map[string]string{
		"not json":          `{"correlationId":`,
		"missing user":      `{"correlationId":"c-1","response":{}}`,
		"missing corr":      `{"userId":"u-1","response":{}}`,
		"blank correlation": `{"correlationId":"  ","userId":"u-1"}`,
		"wrong field type":  `{"correlationId":1,"userId":"u-1"}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(body))
			assert.ErrorIs(t, err, ErrPoisonMessage)
		})
	}
}

func TestEncodeMessage(t *testing.T) {
	body, err := EncodeMessage("c-1", "u-1", map[string]string{"Coffee": "Food"})
	require.NoError(t, err)

	msg, err := DecodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, "c-1", msg.CorrelationID)
	assert.JSONEq(t, `{"Coffee":"Food"}`, string(msg.Response))
}
