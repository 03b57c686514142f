package zrtp

const base32Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

// RenderSAS renders the leftmost 20 bits of sasValue as four base-32
// characters (the B32 scheme).
func RenderSAS(sasValue uint32) string {
	out := make([]byte, 4)
	v := sasValue
	for i := range out {
		out[i] = base32Alphabet[v>>27]
		v <<= 5
	}
	return string(out)
}
