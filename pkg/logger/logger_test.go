package logger

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureJSON(t *testing.T) {
	l := New()
	require.NoError(t, l.Configure(Config{Level: "debug", Format: "json"}))

	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.WithComponent("Hub").WithFields(Fields{"asset": 1}).Info("[Hub] listed")

	out := buf.String()
	assert.Contains(t, out, `"component":"Hub"`)
	assert.Contains(t, out, `"message":"[Hub] listed"`)
	assert.Contains(t, out, `"asset":1`)
}

func TestConfigureErrors(t *testing.T) {
	l := New()
	assert.Error(t, l.Configure(Config{Level: "loud"}))
	assert.Error(t, l.Configure(Config{Format: "xml"}))
}

func TestConfigureFileOutput(t *testing.T) {
	l := New()
	path := filepath.Join(t.TempDir(), "hub.log")
	require.NoError(t, l.Configure(Config{Output: path, MaxAge: 7}))
	l.Info("rotating output")
}
