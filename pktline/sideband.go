package pktline

import (
	"errors"
	"fmt"
	"io"
)

// Channel identifies one of the three side-band streams multiplexed inside
// a single packet-line stream.
type Channel byte

const (
	ChannelData     Channel = 1
	ChannelProgress Channel = 2
	ChannelFatal    Channel = 3
)

// ErrFatalChannel is returned when a side-band channel-3 packet is
// received; it carries the peer's scraped error message.
type ErrFatalChannel struct {
	Message string
}

func (e *ErrFatalChannel) Error() string {
	return fmt.Sprintf("pktline: peer reported fatal error: %s", e.Message)
}

// SideBandWriter multiplexes writes onto one of the three side-band
// channels, prefixing each data packet with a single channel byte as the
// spec requires. It wraps a Writer rather than replacing it, so callers
// that never enable side-band keep using the plain Writer directly.
type SideBandWriter struct {
	w *Writer
}

// NewSideBandWriter wraps w for side-band multiplexed writes.
func NewSideBandWriter(w *Writer) *SideBandWriter {
	return &SideBandWriter{w: w}
}

// maxChannelPayload is one byte less than MaxDataSize, to leave room for the
// channel prefix byte.
const maxChannelPayload = MaxDataSize - 1

// write frames payload on the given channel, splitting it across multiple
// packets if it exceeds maxChannelPayload.
func (s *SideBandWriter) write(ch Channel, payload []byte) error {
	for len(payload) > 0 {
		n := len(payload)
		if n > maxChannelPayload {
			n = maxChannelPayload
		}
		framed := make([]byte, 0, n+1)
		framed = append(framed, byte(ch))
		framed = append(framed, payload[:n]...)
		if err := s.w.WritePacket(framed); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// WriteData writes payload on channel 1.
func (s *SideBandWriter) WriteData(payload []byte) error {
	return s.write(ChannelData, payload)
}

// WriteProgress writes payload on channel 2.
func (s *SideBandWriter) WriteProgress(payload []byte) error {
	return s.write(ChannelProgress, payload)
}

// WriteFatal writes msg on channel 3. Per the spec this is the last thing
// written before the session closes; callers should not write further
// packets afterwards.
func (s *SideBandWriter) WriteFatal(msg string) error {
	return s.write(ChannelFatal, []byte(msg))
}

// WriteEnd delegates to the underlying Writer's WriteEnd.
func (s *SideBandWriter) WriteEnd() error {
	return s.w.WriteEnd()
}

// SideBandReader demultiplexes a side-band stream: channel 1 bytes are
// copied to Data, channel 2 bytes are fed to a Progress scraper, and a
// channel 3 packet aborts the read with ErrFatalChannel.
type SideBandReader struct {
	r        *Reader
	progress *ProgressScraper
}

// NewSideBandReader wraps r. progress may be nil to discard progress text.
func NewSideBandReader(r *Reader, progress *ProgressScraper) *SideBandReader {
	return &SideBandReader{r: r, progress: progress}
}

// CopyTo demultiplexes packets from the underlying stream until any control
// packet (flush, delim or response-end), writing channel-1 payloads to dst.
// It returns nil when a control packet ends the section, the read error if
// reading a packet fails, or ErrFatalChannel if the peer sent a channel-3
// message.
func (s *SideBandReader) CopyTo(dst io.Writer) error {
	for {
		kind, payload, err := s.r.ReadPacket()
		if err != nil {
			return err
		}
		if kind != KindData {
			// Any control packet (flush/delim/response-end) ends the
			// multiplexed section; the spec defines no partial-packet
			// recovery.
			return nil
		}
		if len(payload) == 0 {
			return errors.New("pktline: empty side-band packet (missing channel byte)")
		}

		ch, body := Channel(payload[0]), payload[1:]
		switch ch {
		case ChannelData:
			if _, err := dst.Write(body); err != nil {
				return fmt.Errorf("pktline: writing demuxed data: %w", err)
			}
		case ChannelProgress:
			if s.progress != nil {
				s.progress.Feed(body)
			}
		case ChannelFatal:
			return &ErrFatalChannel{Message: string(body)}
		default:
			return fmt.Errorf("pktline: unknown side-band channel %d", ch)
		}
	}
}
