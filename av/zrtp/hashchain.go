package zrtp

import "bytes"

type chainResult int

const (
	chainOK chainResult = iota
	chainMismatch
	chainMACFailed
)

// peerChain tracks the peer's hash images H0..H3 and the messages whose MAC
// can only be checked once the next lower image is revealed: Hello is keyed
// by H2, Commit by H1 and DHPart by H0.
type peerChain struct {
	images  [4][]byte
	pending [4][]byte
}

func (c *peerChain) reset() {
	*c = peerChain{}
}

// anchor records H3 from the peer's Hello together with the Hello itself.
func (c *peerChain) anchor(h3 []byte, hello []byte) {
	c.reset()
	c.images[3] = append([]byte(nil), h3...)
	c.pending[2] = hello
}

// expect registers a message whose MAC key is the image at level.
func (c *peerChain) expect(level int, msg []byte) {
	c.pending[level] = msg
}

// learn records image as H<level>, checks it against the images already
// known and verifies every pending MAC that becomes checkable. The second
// result is the level of the offending image for chainMismatch and the
// level of the failing message for chainMACFailed.
func (c *peerChain) learn(level int, image []byte) (chainResult, int) {
	if c.images[3] == nil {
		return chainMismatch, -1
	}

	var derived [4][]byte
	cur := append([]byte(nil), image...)
	for l := level; l < 4; l++ {
		if c.images[l] != nil && !bytes.Equal(c.images[l], cur) {
			return chainMismatch, level
		}
		derived[l] = cur
		cur = hashOf(cur)
	}
	for l := level; l < 4; l++ {
		c.images[l] = derived[l]
	}

	for l := level; l < 3; l++ {
		if c.pending[l] == nil {
			continue
		}
		if !checkMAC(c.pending[l], c.images[l]) {
			return chainMACFailed, l
		}
		c.pending[l] = nil
	}
	return chainOK, -1
}
