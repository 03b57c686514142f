package zrtp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

type chainFixture struct {
	h [4][]byte
}

func newChainFixture() chainFixture {
	var f chainFixture
	f.h[0] = bytes.Repeat([]byte{0x11}, hashImageLength)
	for i := 1; i < 4; i++ {
		f.h[i] = hashOf(f.h[i-1])
	}
	return f
}

func macced(key []byte) []byte {
	msg := newAckMessage(MsgHelloACK)
	msg = append(msg, make([]byte, macLength)...)
	setMAC(msg, key)
	return msg
}

func TestPeerChainVerifiesPendingMACs(t *testing.T) {
	f := newChainFixture()
	var c peerChain
	c.anchor(f.h[3], macced(f.h[2]))

	res, _ := c.learn(2, f.h[2])
	assert.Equal(t, chainOK, res)
	c.expect(1, macced(f.h[1]))
	c.expect(0, macced(f.h[0]))

	res, _ = c.learn(0, f.h[0])
	assert.Equal(t, chainOK, res)
}

func TestPeerChainDetectsBadHelloMAC(t *testing.T) {
	f := newChainFixture()
	var c peerChain
	c.anchor(f.h[3], macced([]byte("wrong")))

	res, level := c.learn(1, f.h[1])
	assert.Equal(t, chainMACFailed, res)
	assert.Equal(t, 2, level)
}

func TestPeerChainDetectsImageMismatch(t *testing.T) {
	f := newChainFixture()
	var c peerChain
	c.anchor(f.h[3], nil)

	res, level := c.learn(2, bytes.Repeat([]byte{0x22}, hashImageLength))
	assert.Equal(t, chainMismatch, res)
	assert.Equal(t, 2, level)

	var empty peerChain
	res, level = empty.learn(0, f.h[0])
	assert.Equal(t, chainMismatch, res)
	assert.Equal(t, -1, level)
}

func TestRetryTimerBackoff(t *testing.T) {
	cfg := DefaultConfig()
	rt := newRetryTimer(cfg.T2Initial, cfg.T2Max, 3)
	assert.Equal(t, 150, rt.reset())

	var got []int
	for {
		ms, ok := rt.next()
		if !ok {
			break
		}
		got = append(got, ms)
	}
	assert.Equal(t, []int{300, 600, 1200}, got)
	assert.Equal(t, 150, rt.reset())
}
