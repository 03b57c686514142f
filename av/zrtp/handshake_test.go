package zrtp

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDHPartLogsRandomFailure(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	a.eng.StartZrtpEngine()

	var buf bytes.Buffer
	logrus.SetOutput(&buf)
	randRead = func([]byte) (int, error) { return 0, errors.New("entropy exhausted") }
	t.Cleanup(func() {
		logrus.SetOutput(os.Stderr)
		randRead = rand.Read
	})

	msg := a.eng.buildDHPart(MsgDHPart1)
	d, err := ParseDHPart(msg)
	require.NoError(t, err)
	assert.Equal(t, MsgDHPart1, d.Type)

	out := buf.String()
	assert.Contains(t, out, "function=Engine.buildDHPart")
	assert.Contains(t, out, "entropy exhausted")
	for _, field := range []string{"rs1_id", "rs2_id", "aux_id", "pbx_id"} {
		assert.Contains(t, out, "field="+field)
	}
}
