package protocol

import "bytes"

// MaxFrameSize bounds how many bytes a reader buffers while waiting for a
// delimiter. Video frames are the largest payload in practice.
const MaxFrameSize = 8 << 20

// Split extracts every complete delimiter-terminated chunk from buf. The
// chunks are returned without the delimiter and alias buf; rest is the
// unterminated tail. Empty lines are skipped.
func Split(buf []byte) (chunks [][]byte, rest []byte) {
	for {
		i := bytes.IndexByte(buf, Delimiter)
		if i < 0 {
			return chunks, buf
		}
		if line := buf[:i]; len(bytes.TrimSpace(line)) > 0 {
			chunks = append(chunks, line)
		}
		buf = buf[i+1:]
	}
}
