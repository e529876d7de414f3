package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/opengit/wireproto/log"
	"github.com/opengit/wireproto/pktline"
	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
	"github.com/opengit/wireproto/storage"
)

// FetchSession drives a protocol v2 fetch from the client side: ls-refs
// discovery, then a bounded sequence of HTTP POSTs exchanging have lines
// for ACKs until the server signals readiness, ending in a packfile parsed
// through the same storage.PackParser collaborator the server side uses.
//
// Unlike the teacher's single-POST-with-done fetch, this drives real
// multi-round negotiation: HTTP cannot hold a socket open across rounds,
// so each round is its own POST carrying the haves accumulated so far.
type FetchSession struct {
	Raw    RawClient
	Parser storage.PackParser

	// ObjectFormat is sent on every v2 command envelope; "sha1" unless
	// the repository uses SHA-256.
	ObjectFormat string

	// SessionID is stamped onto every command envelope as
	// "session-id=<SessionID>", letting the server correlate its logs
	// for this fetch with the client's own. Left empty to suppress it.
	SessionID string
}

// NewFetchSession returns a session bound to raw, defaulting ObjectFormat
// to "sha1" and SessionID to a fresh random id.
func NewFetchSession(raw RawClient, parser storage.PackParser) *FetchSession {
	return &FetchSession{Raw: raw, Parser: parser, ObjectFormat: "sha1", SessionID: uuid.NewString()}
}

func (s *FetchSession) objectFormat() string {
	if s.ObjectFormat == "" {
		return "sha1"
	}
	return s.ObjectFormat
}

// LsRefsOptions configures an ls-refs command.
type LsRefsOptions struct {
	Prefixes []string
	Symrefs  bool
	Peel     bool
}

// LsRefs issues a "command=ls-refs" envelope and parses the ref list from
// the response.
func (s *FetchSession) LsRefs(ctx context.Context, opts LsRefsOptions) ([]protocol.Ref, error) {
	logger := log.FromContext(ctx)

	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	if err := w.WriteString(fmt.Sprintf("command=ls-refs\n")); err != nil {
		return nil, err
	}
	if err := w.WriteString(fmt.Sprintf("object-format=%s\n", s.objectFormat())); err != nil {
		return nil, err
	}
	if s.SessionID != "" {
		if err := w.WriteString(fmt.Sprintf("session-id=%s\n", s.SessionID)); err != nil {
			return nil, err
		}
	}
	if err := w.WriteDelim(); err != nil {
		return nil, err
	}
	if opts.Symrefs {
		if err := w.WriteString("symrefs\n"); err != nil {
			return nil, err
		}
	}
	if opts.Peel {
		if err := w.WriteString("peel\n"); err != nil {
			return nil, err
		}
	}
	for _, p := range opts.Prefixes {
		if err := w.WriteString(fmt.Sprintf("ref-prefix %s\n", p)); err != nil {
			return nil, err
		}
	}
	if err := w.WriteFlush(); err != nil {
		return nil, err
	}

	logger.Debug("transport: ls-refs request", "sessionID", s.SessionID, "prefixCount", len(opts.Prefixes))

	body, err := s.Raw.UploadPack(ctx, &buf)
	if err != nil {
		return nil, fmt.Errorf("client: ls-refs: %w", err)
	}
	defer body.Close()

	r := pktline.NewReader(body)
	var refs []protocol.Ref
	for {
		kind, line, err := r.ReadPacket()
		if err != nil {
			return nil, fmt.Errorf("client: reading ls-refs response: %w", err)
		}
		if kind == pktline.KindFlush {
			break
		}
		if kind != pktline.KindData {
			continue
		}
		ref, err := parseLsRefsLine(strings.TrimRight(string(line), "\n"))
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}

	logger.Debug("transport: ls-refs response", "refCount", len(refs))
	return refs, nil
}

func parseLsRefsLine(text string) (protocol.Ref, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return protocol.Ref{}, fmt.Errorf("client: malformed ls-refs line %q", text)
	}

	id, err := hash.FromHex(fields[0])
	if err != nil {
		return protocol.Ref{}, fmt.Errorf("client: parsing ls-refs object id: %w", err)
	}
	ref := protocol.Ref{Name: fields[1], ObjectId: id}

	for _, attr := range fields[2:] {
		switch {
		case strings.HasPrefix(attr, "symref-target:"):
			ref.Symbolic = strings.TrimPrefix(attr, "symref-target:")
		case strings.HasPrefix(attr, "peeled:"):
			peeled, err := hash.FromHex(strings.TrimPrefix(attr, "peeled:"))
			if err == nil {
				ref.Peeled = peeled
			}
		}
	}
	return ref, nil
}

// FetchOptions configures a Fetch call.
type FetchOptions struct {
	Wants  []protocol.ObjectId
	Filter *protocol.FilterSpec
	Deepen protocol.DeepenSpec

	// NoProgress suppresses the server's sideband progress channel.
	NoProgress bool
}

// FetchResult is the outcome of a completed fetch negotiation.
type FetchResult struct {
	Common []protocol.ObjectId
	Pack   *storage.ParsedPack
}

// roundSize bounds how many have lines this session sends per round,
// mirroring the server-side negotiation engine's round size.
const roundSize = 32

// Fetch drives the want/have negotiation to completion, given a function
// that supplies the next batch of have candidates (e.g. from a local
// object store walked newest-first) or returns done=true when no more
// haves remain to offer.
func (s *FetchSession) Fetch(ctx context.Context, opts FetchOptions, nextHaves func() (haves []protocol.ObjectId, done bool)) (*FetchResult, error) {
	logger := log.FromContext(ctx)
	sent := make(map[string]struct{})
	var common []protocol.ObjectId

	for round := 0; ; round++ {
		haves, exhausted := nextHaves()
		var batch []protocol.ObjectId
		for _, h := range haves {
			key := h.String()
			if _, ok := sent[key]; ok {
				continue
			}
			sent[key] = struct{}{}
			batch = append(batch, h)
			if len(batch) >= roundSize {
				break
			}
		}

		done := exhausted
		body, err := s.buildFetchEnvelope(opts, batch, done)
		if err != nil {
			return nil, err
		}

		resBody, err := s.Raw.UploadPack(ctx, body)
		if err != nil {
			return nil, fmt.Errorf("client: fetch round %d: %w", round, err)
		}

		acked, ready, pack, err := s.readFetchResponse(ctx, resBody, done)
		resBody.Close()
		if err != nil {
			return nil, err
		}
		common = append(common, acked...)

		logger.Debug("transport: fetch round complete", "sessionID", s.SessionID, "round", round, "acked", len(acked), "ready", ready, "done", done)

		if pack != nil {
			return &FetchResult{Common: common, Pack: pack}, nil
		}
		if done {
			return nil, fmt.Errorf("client: fetch: server never sent a packfile though negotiation finished")
		}
	}
}

func (s *FetchSession) buildFetchEnvelope(opts FetchOptions, haves []protocol.ObjectId, done bool) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)

	if err := w.WriteString("command=fetch\n"); err != nil {
		return nil, err
	}
	if err := w.WriteString(fmt.Sprintf("object-format=%s\n", s.objectFormat())); err != nil {
		return nil, err
	}
	if s.SessionID != "" {
		if err := w.WriteString(fmt.Sprintf("session-id=%s\n", s.SessionID)); err != nil {
			return nil, err
		}
	}
	if err := w.WriteDelim(); err != nil {
		return nil, err
	}
	if opts.NoProgress {
		if err := w.WriteString("no-progress\n"); err != nil {
			return nil, err
		}
	}
	for _, want := range opts.Wants {
		if err := w.WriteString(fmt.Sprintf("want %s\n", want.String())); err != nil {
			return nil, err
		}
	}
	for _, have := range haves {
		if err := w.WriteString(fmt.Sprintf("have %s\n", have.String())); err != nil {
			return nil, err
		}
	}
	if opts.Filter != nil {
		if err := w.WriteString(fmt.Sprintf("filter %s\n", filterWireForm(*opts.Filter))); err != nil {
			return nil, err
		}
	}
	if done {
		if err := w.WriteString("done\n"); err != nil {
			return nil, err
		}
	}
	if err := w.WriteFlush(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func filterWireForm(f protocol.FilterSpec) string {
	switch f.Kind {
	case protocol.FilterBlobNone:
		return "blob:none"
	case protocol.FilterBlobLimit:
		return fmt.Sprintf("blob:limit=%d", f.BlobLimit)
	case protocol.FilterTreeDepth:
		return fmt.Sprintf("tree:%d", f.TreeDepth)
	case protocol.FilterSparseOid:
		return fmt.Sprintf("sparse:oid=%s", f.SparseOid.String())
	default:
		return ""
	}
}

// readFetchResponse consumes one round's "acknowledgments" section and,
// once the server reports ready (or this was the done round), the
// side-band-multiplexed "packfile" section.
func (s *FetchSession) readFetchResponse(ctx context.Context, body io.Reader, sentDone bool) (acked []protocol.ObjectId, ready bool, pack *storage.ParsedPack, err error) {
	r := pktline.NewReader(body)

	section, err := r.ReadString()
	if err != nil {
		return nil, false, nil, fmt.Errorf("client: reading fetch response section: %w", err)
	}
	if strings.TrimRight(section, "\n") != "acknowledgments" {
		return nil, false, nil, fmt.Errorf("client: expected acknowledgments section, got %q", section)
	}

	for {
		kind, line, rerr := r.ReadPacket()
		if rerr != nil {
			return nil, false, nil, fmt.Errorf("client: reading acknowledgments: %w", rerr)
		}
		if kind == pktline.KindDelim || kind == pktline.KindFlush {
			break
		}
		if kind != pktline.KindData {
			continue
		}
		text := strings.TrimRight(string(line), "\n")
		switch {
		case text == "NAK":
			continue
		case text == "ready":
			ready = true
		case strings.HasPrefix(text, "ACK "):
			id, perr := hash.FromHex(strings.TrimPrefix(text, "ACK "))
			if perr == nil {
				acked = append(acked, id)
			}
		}
	}

	if !ready && !sentDone {
		return acked, ready, nil, nil
	}

	section, err = r.ReadString()
	if err != nil {
		return acked, ready, nil, fmt.Errorf("client: reading packfile section header: %w", err)
	}
	if strings.TrimRight(section, "\n") != "packfile" {
		return acked, ready, nil, fmt.Errorf("client: expected packfile section, got %q", section)
	}

	sr := pktline.NewSideBandReader(r, pktline.NewProgressScraper(func(pktline.ProgressUpdate) {}))
	var packBuf bytes.Buffer
	if err := sr.CopyTo(&packBuf); err != nil {
		return acked, ready, nil, fmt.Errorf("client: reading packfile: %w", err)
	}

	parsed, err := s.Parser.Parse(ctx, &packBuf, "fetch client incoming pack")
	if err != nil {
		return acked, ready, nil, fmt.Errorf("client: parsing packfile: %w", err)
	}
	return acked, ready, parsed, nil
}

