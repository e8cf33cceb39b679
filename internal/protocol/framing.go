// ABOUTME: Line accumulation buffer for splitting raw stream bytes into frames.
// ABOUTME: Only complete newline-terminated lines are released; partial tails wait.

package protocol

import "bytes"

// LineBuffer accumulates raw bytes from a server's stdout and yields only
// complete lines. A trailing partial line stays buffered until its newline
// arrives, so a frame split across reads is never parsed early.
type LineBuffer struct {
	buf []byte
}

// Append adds raw bytes and returns every complete line now available,
// without the trailing newline. Empty lines are skipped.
func (b *LineBuffer) Append(p []byte) [][]byte {
	b.buf = append(b.buf, p...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(b.buf, '\n')
		if idx < 0 {
			return lines
		}
		line := b.buf[:idx]
		b.buf = b.buf[idx+1:]

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		// Copy out: the backing array is reused by subsequent appends.
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
	}
}

// Pending returns the number of buffered bytes awaiting a newline.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}
