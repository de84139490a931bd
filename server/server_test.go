package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeHandlerBody(t *testing.T) {
	assert.Equal(t,
		map[string]interface{}{"count": float64(2), "sellers": []interface{}{"0xabc"}},
		decodeHandlerBody(`{"count":2,"sellers":["0xabc"]}`))

	// Non-JSON bodies pass through verbatim instead of nulling the data.
	assert.Equal(t, "plain text", decodeHandlerBody("plain text"))
	assert.Equal(t, "", decodeHandlerBody(""))
}

func TestExtractPortFromAddress(t *testing.T) {
	assert.Equal(t, "26657", extractPortFromAddress("tcp://0.0.0.0:26657"))
	assert.Equal(t, "5000", extractPortFromAddress("localhost:5000"))
	assert.Equal(t, "", extractPortFromAddress("no-port"))
}
