package uploadpack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/opengit/wireproto/log"
	"github.com/opengit/wireproto/pktline"
	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
	"github.com/opengit/wireproto/request"
	"github.com/opengit/wireproto/storage"
)

// ServeV2Command reads one v2 command envelope from r and dispatches it to
// ls-refs, fetch, or object-info, writing the command's reply to w.
//
// Unlike the v0/v1 ADVERTISE -> WANT -> HAVE -> PACK phases, a v2 command
// is a self-contained request: the client may issue ls-refs, then any
// number of fetch commands (each resending its cumulative have set, since
// the HTTP transport reissues one POST per negotiation round), so this
// method runs outside the Session's phase state machine rather than
// advancing it.
func (s *Session) ServeV2Command(ctx context.Context, r *pktline.Reader, w *pktline.Writer) error {
	req, err := request.ParseCommandEnvelope(r)
	if err != nil {
		return err
	}

	switch req.Command {
	case "ls-refs":
		return s.ServeLsRefs(ctx, req, w)
	case "fetch":
		return s.ServeFetch(ctx, req, w)
	case "object-info":
		return s.ServeObjectInfo(ctx, req, w)
	default:
		return fmt.Errorf("uploadpack: unsupported v2 command %q", req.Command)
	}
}

// ServeLsRefs answers a v2 "ls-refs" command: one "<oid> <refname>" line
// per advertised ref matching one of the requested ref-prefixes (or every
// ref if none were given), annotated with symref-target:/peeled: per the
// symrefs/peel flags, flush-terminated.
func (s *Session) ServeLsRefs(ctx context.Context, req *request.CommandRequest, w *pktline.Writer) error {
	args := request.ParseLsRefsArgs(req.Args)

	refs, err := s.Refs.List(ctx)
	if err != nil {
		return fmt.Errorf("uploadpack: listing refs: %w", err)
	}

	log.FromContext(ctx).Debug("upload-pack v2 ls-refs", "sessionID", s.SessionID.String(), "refs", len(refs))

	for _, ref := range refs {
		if !matchesRefPrefix(ref.Name, args.RefPrefix) {
			continue
		}
		line := fmt.Sprintf("%s %s", ref.ObjectId.String(), ref.Name)
		if args.Symrefs && ref.Symbolic != "" {
			line += fmt.Sprintf(" symref-target:%s", ref.Symbolic)
		}
		if args.Peel && len(ref.Peeled) > 0 {
			line += fmt.Sprintf(" peeled:%s", ref.Peeled.String())
		}
		if err := w.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return w.WriteFlush()
}

func matchesRefPrefix(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ServeObjectInfo answers a v2 "object-info" command's "size" query: a
// "size" header line followed by one "<oid> <size>" line per requested
// object id.
func (s *Session) ServeObjectInfo(ctx context.Context, req *request.CommandRequest, w *pktline.Writer) error {
	args := request.ParseObjectInfoArgs(req.Args)
	if !args.Size {
		return w.WriteFlush()
	}

	if err := w.WriteString("size\n"); err != nil {
		return err
	}
	for _, oidHex := range args.Oids {
		id, err := hash.FromHex(oidHex)
		if err != nil {
			return fmt.Errorf("uploadpack: parsing object-info oid %q: %w", oidHex, err)
		}
		size, err := s.Store.Size(ctx, id)
		if err != nil {
			return fmt.Errorf("uploadpack: sizing object %s: %w", id, err)
		}
		if err := w.WriteString(fmt.Sprintf("%s %d\n", id.String(), size)); err != nil {
			return err
		}
	}
	return w.WriteFlush()
}

// ServeFetch answers a v2 "fetch" command in full: it parses the
// want/have/done argument lines (the same vocabulary request.applyLine
// uses for the v0/v1 HAVE body, since v2 reuses it verbatim), writes the
// "acknowledgments" section, and — once every want is covered or the
// client sent "done" — writes the "packfile" section on the same
// pktline.Writer, side-band multiplexed exactly like SendPack.
//
// A v2 "fetch" command carries the client's entire cumulative have set in
// one envelope rather than the bounded per-round lines the v0/v1 HAVE
// phase reads off the wire, so there is no consumeRound/roundSize bound
// here: every have line already arrived as req.Args.
func (s *Session) ServeFetch(ctx context.Context, req *request.CommandRequest, w *pktline.Writer) error {
	fr, err := request.ParseFetchArgsV2(req.Args, s.Caps)
	if err != nil {
		return err
	}

	advertised, err := s.Refs.List(ctx)
	if err != nil {
		return fmt.Errorf("uploadpack: listing refs: %w", err)
	}
	for _, id := range fr.Wants.Slice() {
		if err := ValidateWant(ctx, id, advertised, advertised, s.Store, s.Policy); err != nil {
			return err
		}
	}

	if err := w.WriteString("acknowledgments\n"); err != nil {
		return err
	}

	var common []protocol.ObjectId
	for _, id := range fr.Haves.Slice() {
		has, err := s.Store.Has(ctx, id)
		if err != nil {
			return fmt.Errorf("uploadpack: checking have %s: %w", id, err)
		}
		if !has {
			continue
		}
		common = append(common, id)
		if err := w.WriteString(fmt.Sprintf("ACK %s\n", id)); err != nil {
			return err
		}
	}

	ready := coversAllWants(fr.Wants.Slice(), common)
	switch {
	case len(common) == 0 && !ready:
		if err := w.WriteString("NAK\n"); err != nil {
			return err
		}
	case ready:
		if err := w.WriteString("ready\n"); err != nil {
			return err
		}
	}

	log.FromContext(ctx).Debug("upload-pack v2 fetch acknowledgments", "sessionID", s.SessionID.String(), "common", len(common), "ready", ready, "done", fr.Done)

	if err := w.WriteDelim(); err != nil {
		return err
	}
	if !ready && !fr.Done {
		return nil
	}

	if err := w.WriteString("packfile\n"); err != nil {
		return err
	}

	opts := storage.PackWriteOptions{
		ThinPack:   fr.Capabilities.Has(protocol.CapThinPack),
		OfsDelta:   fr.Capabilities.Has(protocol.CapOfsDelta),
		IncludeTag: fr.Capabilities.Has(protocol.CapIncludeTag),
		Filter:     fr.Filter,
		Deepen:     fr.Deepen,
	}

	sw := pktline.NewSideBandWriter(w)
	g, gctx := errgroup.WithContext(ctx)
	pr, pw := io.Pipe()

	g.Go(func() error {
		defer pw.Close()
		return s.Writer.WritePack(gctx, pw, fr.Wants.Slice(), common, opts)
	})
	g.Go(func() error {
		buf := make([]byte, 32*1024)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				if werr := sw.WriteData(buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	})

	if err := g.Wait(); err != nil {
		if werr := sw.WriteFatal(err.Error()); werr != nil {
			return werr
		}
		return err
	}

	log.FromContext(ctx).Debug("upload-pack v2 sent pack", "sessionID", s.SessionID.String())
	return sw.WriteEnd()
}
