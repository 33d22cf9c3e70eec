package ibgw

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Frame is an ordered list of UTF-8 string fields, the bus's only unit
// of I/O. Field typing (int, float, bool-as-"0"/"1", dates) belongs to
// the decoder layer; the bus treats every field as an opaque string.
type Frame []string

// Type returns the message type tag, the frame's first field, or ""
// for an empty frame.
func (f Frame) Type() string {
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// Field returns fields[i], or "" if the frame is shorter than i+1.
func (f Frame) Field(i int) string {
	if i < 0 || i >= len(f) {
		return ""
	}
	return f[i]
}

const maxFrameLength = 64 << 20 // 64MiB, generous upper bound against a corrupt length prefix

// framer reads and writes whole frames over a byte stream. It is the
// only place in this module that does byte-level I/O; everything above
// it operates on Frame values. Grounded on the readLoop/writeLoop split
// in go-server-3/internal/transport/server.go, adapted from WebSocket
// frames (gobwas/ws) to the TWS 4-byte-length/NUL-delimited format.
type framer struct {
	r *bufio.Reader
	w io.Writer
}

func newFramer(rw io.ReadWriter) *framer {
	return &framer{r: bufio.NewReaderSize(rw, 32*1024), w: rw}
}

// writeFrame serialises fields with the 4-byte big-endian length prefix
// and NUL-terminates every field. Must be called under the bus's write
// mutex (§4.1) so that no two frames interleave on the wire.
func (fr *framer) writeFrame(fields []string) error {
	var body []byte
	for _, f := range fields {
		body = append(body, f...)
		body = append(body, 0)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	if _, err := fr.w.Write(header); err != nil {
		return newErr(KindIO, "write frame header", err)
	}
	if len(body) > 0 {
		if _, err := fr.w.Write(body); err != nil {
			return newErr(KindIO, "write frame body", err)
		}
	}
	return nil
}

// readFrame reads the 4-byte big-endian length L, then exactly L bytes,
// and splits the result on NUL bytes, dropping a trailing empty field
// produced by the final terminator.
func (fr *framer) readFrame() (Frame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(fr.r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, newErr(KindIO, "connection closed", io.EOF)
		}
		return nil, newErr(KindIO, "read frame header", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > maxFrameLength {
		return nil, newErr(KindIO, "frame length exceeds maximum", nil)
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, newErr(KindIO, "connection closed mid-frame", io.EOF)
			}
			return nil, newErr(KindIO, "read frame body", err)
		}
	}

	return splitFields(body), nil
}

func splitFields(body []byte) Frame {
	if len(body) == 0 {
		return Frame{}
	}
	var fields []string
	start := 0
	for i, b := range body {
		if b == 0 {
			fields = append(fields, string(body[start:i]))
			start = i + 1
		}
	}
	// A well-formed frame's body ends with a NUL; any bytes left in
	// start..end with no trailing NUL are an unterminated last field
	// and are kept rather than silently dropped.
	if start < len(body) {
		fields = append(fields, string(body[start:]))
	}
	return Frame(fields)
}
