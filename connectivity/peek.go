package connectivity

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// maxHeaderPeek bounds how many inflated bytes PeekObjectHeader will read
// looking for the header terminator, so a corrupt or hostile stream with
// no NUL byte cannot make the peek inflate an unbounded amount of data.
const maxHeaderPeek = 64

// PeekObjectHeader inflates just enough of a zlib-compressed object stream
// to read its loose-object header ("<type> <size>\0") without decoding the
// object body. It is a standalone helper: neither Full nor Iterative calls
// it.
func PeekObjectHeader(r io.Reader) (objType string, size int64, err error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return "", 0, fmt.Errorf("connectivity: opening zlib stream: %w", err)
	}
	defer zr.Close()

	br := bufio.NewReader(io.LimitReader(zr, maxHeaderPeek))
	header, err := br.ReadString(0)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", 0, fmt.Errorf("connectivity: object header exceeds %d bytes or stream truncated", maxHeaderPeek)
		}
		return "", 0, fmt.Errorf("connectivity: reading object header: %w", err)
	}
	header = header[:len(header)-1] // drop the NUL terminator

	sp := -1
	for i, c := range header {
		if c == ' ' {
			sp = i
			break
		}
	}
	if sp < 0 {
		return "", 0, fmt.Errorf("connectivity: malformed object header %q", header)
	}

	objType = header[:sp]
	if _, err := fmt.Sscanf(header[sp+1:], "%d", &size); err != nil {
		return "", 0, fmt.Errorf("connectivity: parsing object size in header %q: %w", header, err)
	}
	return objType, size, nil
}
