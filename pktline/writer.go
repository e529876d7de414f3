package pktline

import (
	"fmt"
	"io"
)

// Flusher is implemented by underlying writers that support an explicit
// flush (e.g. bufio.Writer, or an HTTP chunked response writer). WriteEnd
// calls it when present and FlushOnEnd is set.
type Flusher interface {
	Flush() error
}

// Writer frames payloads as packet-line records on an underlying stream.
type Writer struct {
	w io.Writer

	// FlushOnEnd controls whether WriteEnd also flushes the underlying
	// stream (via Flusher), when the underlying writer supports it.
	// Defaults to true, matching the spec's default.
	FlushOnEnd bool
}

// NewWriter wraps w as a packet-line Writer with FlushOnEnd defaulted on.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, FlushOnEnd: true}
}

// WritePacket frames data as one packet. It fails with ErrDataTooLarge if
// data exceeds MaxDataSize.
func (w *Writer) WritePacket(data []byte) error {
	if len(data) > MaxDataSize {
		return ErrDataTooLarge
	}

	out := make([]byte, 0, len(data)+LengthFieldSize)
	out = append(out, FormatLength(len(data)+LengthFieldSize)...)
	out = append(out, data...)

	if _, err := w.w.Write(out); err != nil {
		return fmt.Errorf("pktline: writing packet: %w", err)
	}
	return nil
}

// WriteString encodes s as UTF-8 and frames it as one packet.
func (w *Writer) WriteString(s string) error {
	return w.WritePacket([]byte(s))
}

// writeControl writes one of the three fixed-length control packets.
func (w *Writer) writeControl(raw string) error {
	if _, err := w.w.Write([]byte(raw)); err != nil {
		return fmt.Errorf("pktline: writing control packet: %w", err)
	}
	return nil
}

// WriteFlush emits the 0000 flush packet.
func (w *Writer) WriteFlush() error {
	return w.writeControl("0000")
}

// WriteDelim emits the 0001 delimiter packet (protocol v2 only).
func (w *Writer) WriteDelim() error {
	return w.writeControl("0001")
}

// WriteResponseEnd emits the 0002 response-end packet (protocol v2 only).
func (w *Writer) WriteResponseEnd() error {
	return w.writeControl("0002")
}

// WriteEnd emits a flush packet and, if FlushOnEnd is set and the
// underlying stream supports it, flushes the stream.
func (w *Writer) WriteEnd() error {
	if err := w.WriteFlush(); err != nil {
		return err
	}
	if w.FlushOnEnd {
		if f, ok := w.w.(Flusher); ok {
			if err := f.Flush(); err != nil {
				return fmt.Errorf("pktline: flushing underlying stream: %w", err)
			}
		}
	}
	return nil
}
