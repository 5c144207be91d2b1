package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	t.Run("FullURI", func(t *testing.T) {
		addr, path, err := ParseURI("coap://10.0.0.1:5684/device/data")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1:5684", addr)
		assert.Equal(t, "/device/data", path)
	})

	t.Run("DefaultPort", func(t *testing.T) {
		addr, path, err := ParseURI("coap://sensor.local/device/data")
		require.NoError(t, err)
		assert.Equal(t, "sensor.local:5683", addr)
		assert.Equal(t, "/device/data", path)
	})

	t.Run("RootPath", func(t *testing.T) {
		addr, path, err := ParseURI("coap://host:1234")
		require.NoError(t, err)
		assert.Equal(t, "host:1234", addr)
		assert.Equal(t, "/", path)
	})

	t.Run("WrongScheme", func(t *testing.T) {
		_, _, err := ParseURI("http://host/device/data")
		assert.Error(t, err)
	})

	t.Run("MissingHost", func(t *testing.T) {
		_, _, err := ParseURI("coap:///device/data")
		assert.Error(t, err)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, _, err := ParseURI("://")
		assert.Error(t, err)
	})
}
