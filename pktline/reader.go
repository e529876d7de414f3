package pktline

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// END and DELIM are sentinel return values of Reader.ReadString /
// ReadStringRaw standing in for a flush-pkt and a delim-pkt respectively.
// They are unlikely-to-occur strings rather than a distinct Go type so that
// callers can keep using plain string comparisons, mirroring how line-based
// Git protocol parsers conventionally special-case flush/delim.
const (
	END   = "\x00pktline-control:flush\x00"
	DELIM = "\x00pktline-control:delim\x00"
)

// Reader reads packet-line framed records off an underlying stream. It does
// not itself demultiplex side-band channels; see SideBandReader for that.
type Reader struct {
	r   io.Reader
	buf [LengthFieldSize]byte
}

// NewReader wraps r as a packet-line Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadLength reads and decodes the four-byte hex length prefix of the next
// packet, without consuming its payload. It returns the packet Kind and, for
// KindData, the payload length (total framed length minus 4).
func (r *Reader) ReadLength() (Kind, int, error) {
	if _, err := io.ReadFull(r.r, r.buf[:]); err != nil {
		return 0, 0, fmt.Errorf("pktline: reading length prefix: %w", err)
	}

	var decoded [2]byte
	if _, err := hex.Decode(decoded[:], r.buf[:]); err != nil {
		return 0, 0, &ErrInvalidLength{Raw: append([]byte(nil), r.buf[:]...), Err: err}
	}
	length := int(decoded[0])<<8 | int(decoded[1])

	kind, err := classifyLength(uint64(length))
	if err != nil {
		return 0, 0, &ErrInvalidLength{Raw: append([]byte(nil), r.buf[:]...), Err: err}
	}
	if kind != KindData {
		return kind, 0, nil
	}
	return KindData, length - LengthFieldSize, nil
}

// ReadPacket reads one full packet: its length prefix and, if it is a data
// packet, its payload. For control packets the returned payload is nil.
func (r *Reader) ReadPacket() (Kind, []byte, error) {
	kind, dataLen, err := r.ReadLength()
	if err != nil {
		return 0, nil, err
	}
	if kind != KindData {
		return kind, nil, nil
	}

	payload := make([]byte, dataLen)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("pktline: reading %d byte payload: %w", dataLen, err)
	}
	return KindData, payload, nil
}

// ReadStringRaw reads one packet and returns its payload decoded as UTF-8,
// preserving any trailing newline. Flush and delim packets yield the END
// and DELIM sentinels respectively. Response-end packets yield an empty
// string, since protocol v2 callers are expected to stop reading on it
// rather than interpret its payload.
func (r *Reader) ReadStringRaw() (string, error) {
	kind, payload, err := r.ReadPacket()
	if err != nil {
		return "", err
	}
	switch kind {
	case KindFlush:
		return END, nil
	case KindDelim:
		return DELIM, nil
	case KindResponseEnd:
		return "", nil
	default:
		return string(payload), nil
	}
}

// ReadString is ReadStringRaw with a single trailing '\n' stripped from data
// packets, if present. Control-packet sentinels pass through unchanged.
func (r *Reader) ReadString() (string, error) {
	s, err := r.ReadStringRaw()
	if err != nil {
		return "", err
	}
	if s == END || s == DELIM {
		return s, nil
	}
	return strings.TrimSuffix(s, "\n"), nil
}
