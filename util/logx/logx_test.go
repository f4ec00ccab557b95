package logx

import (
	"bytes"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
)

func TestNew_writesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, logiface.LevelInformational)
	l.Info().Str("server", "ledger").Int("workers", 4).Log("start rpc server")
	out := buf.String()
	assert.Contains(t, out, `"server":"ledger"`)
	assert.Contains(t, out, `"msg":"start rpc server"`)
}

func TestNew_levelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, logiface.LevelWarning)
	l.Info().Log("hidden")
	assert.Empty(t, buf.String())
	l.Warning().Log("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logiface.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, logiface.LevelWarning, ParseLevel("warn"))
	assert.Equal(t, logiface.LevelDisabled, ParseLevel("off"))
	assert.Equal(t, logiface.LevelInformational, ParseLevel("whatever"))
}

func TestRecover(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, logiface.LevelInformational)
	func() {
		defer Recover(l, "test")
		panic("boom")
	}()
	assert.Contains(t, buf.String(), `"panic":"boom"`)
	assert.Contains(t, buf.String(), `"where":"test"`)
}
