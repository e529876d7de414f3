// Package uploadpack implements the Negotiation Engine (C6): the
// server-side ADVERTISE -> WANT -> HAVE -> PACK state machine that drives
// a fetch.
package uploadpack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/opengit/wireproto/capability"
	"github.com/opengit/wireproto/log"
	"github.com/opengit/wireproto/packlock"
	"github.com/opengit/wireproto/pktline"
	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
	"github.com/opengit/wireproto/request"
	"github.com/opengit/wireproto/storage"
)

// Phase names the Negotiation Engine's state.
type Phase int

const (
	PhaseAdvertise Phase = iota
	PhaseWant
	PhaseHave
	PhasePack
	PhaseDone
)

// roundSize bounds how many have lines the engine consumes before
// deciding whether to stop negotiating.
const roundSize = 32

// Option configures a Session at construction time.
type Option func(*Session) error

// WithRequestPolicy overrides the default PolicyAdvertised.
func WithRequestPolicy(policy RequestPolicy) Option {
	return func(s *Session) error {
		s.Policy = policy
		return nil
	}
}

// WithProgressMonitor attaches a cancellable progress monitor polled at
// round boundaries.
func WithProgressMonitor(mon packlock.Cancellable) Option {
	return func(s *Session) error {
		s.Monitor = mon
		return nil
	}
}

// PhaseRecorder receives the duration of a completed session phase.
// Satisfied by *metrics.Recorder; left nil by default so this package does
// not depend on the metrics package directly.
type PhaseRecorder interface {
	ObservePhase(component, phase string, seconds float64)
}

// WithMetrics attaches a PhaseRecorder that observes the duration of each
// advertise/want/have/pack phase.
func WithMetrics(rec PhaseRecorder) Option {
	return func(s *Session) error {
		s.Metrics = rec
		return nil
	}
}

func (s *Session) recordPhase(phase string, start time.Time) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ObservePhase("uploadpack", phase, time.Since(start).Seconds())
}

// Session drives one upload-pack negotiation for one connection. A
// Session is single-use: once it reaches PhaseDone it must be discarded.
type Session struct {
	Refs    storage.RefDatabase
	Store   storage.ObjectStore
	Writer  storage.PackWriter
	Caps    protocol.CapabilitySet
	Policy  RequestPolicy
	Monitor packlock.Cancellable
	Metrics PhaseRecorder

	// SessionID correlates every log line this session emits across its
	// ADVERTISE -> WANT -> HAVE -> PACK lifecycle.
	SessionID xid.ID

	phase Phase
}

// NewSession returns a Session in PhaseAdvertise, defaulting to
// PolicyAdvertised.
func NewSession(refs storage.RefDatabase, store storage.ObjectStore, writer storage.PackWriter, caps protocol.CapabilitySet, opts ...Option) (*Session, error) {
	s := &Session{Refs: refs, Store: store, Writer: writer, Caps: caps, Policy: PolicyAdvertised, SessionID: xid.New()}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("uploadpack: applying option: %w", err)
		}
	}
	return s, nil
}

// ErrWrongPhase is returned when a method is called out of the
// ADVERTISE -> WANT -> HAVE -> PACK sequence.
type ErrWrongPhase struct {
	Expected, Actual Phase
}

func (e *ErrWrongPhase) Error() string {
	return fmt.Sprintf("uploadpack: expected phase %d, session is in phase %d", e.Expected, e.Actual)
}

func (s *Session) requirePhase(p Phase) error {
	if s.phase != p {
		return &ErrWrongPhase{Expected: p, Actual: s.phase}
	}
	return nil
}

// Advertise writes the capability/ref advertisement and transitions to
// PhaseWant.
func (s *Session) Advertise(ctx context.Context, w *pktline.Writer, hook capability.AdvertiseRefsHook) error {
	if err := s.requirePhase(PhaseAdvertise); err != nil {
		return err
	}
	start := time.Now()
	defer s.recordPhase("advertise", start)

	refs, err := s.Refs.List(ctx)
	if err != nil {
		return fmt.Errorf("uploadpack: listing refs: %w", err)
	}

	adv := capability.NewAdvertiser(s.Caps)
	if hook != nil {
		adv.Hook = hook
	}
	if err := adv.Advertise(ctx, w, refs); err != nil {
		return err
	}

	log.FromContext(ctx).Debug("upload-pack advertised", "sessionID", s.SessionID.String(), "refs", len(refs))

	s.phase = PhaseWant
	return nil
}

// ReadWants parses the client's want set and validates each against the
// session's RequestPolicy, transitioning to PhaseHave on success.
func (s *Session) ReadWants(ctx context.Context, r *pktline.Reader) (*request.FetchRequest, error) {
	if err := s.requirePhase(PhaseWant); err != nil {
		return nil, err
	}
	start := time.Now()
	defer s.recordPhase("want", start)

	var fr request.FetchRequest
	if err := request.ParseFetchRequest(r, &fr, s.Caps); err != nil {
		return nil, err
	}

	advertised, err := s.Refs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("uploadpack: listing refs: %w", err)
	}
	allRefs := advertised

	for _, id := range fr.Wants.Slice() {
		if err := ValidateWant(ctx, id, advertised, allRefs, s.Store, s.Policy); err != nil {
			return nil, err
		}
	}

	log.FromContext(ctx).Debug("upload-pack read wants", "sessionID", s.SessionID.String(), "wants", len(fr.Wants.Slice()))

	s.phase = PhaseHave
	return &fr, nil
}

// NegotiationResult is the outcome of the HAVE phase: the set of commons
// found and whether the engine is ready to move to PACK.
type NegotiationResult struct {
	Common []protocol.ObjectId
	Ready  bool
}

// NegotiateHaves consumes have lines in bounded rounds, emitting ACK/NAK
// packets per the negotiated multi_ack mode, until the client sends
// "done" or the ready condition is reached. Ready means every want id is
// itself among the commons found; ancestors of a want are not walked to
// find a common base. It transitions to PhasePack on completion.
func (s *Session) NegotiateHaves(ctx context.Context, r *pktline.Reader, w *pktline.Writer, fr *request.FetchRequest) (*NegotiationResult, error) {
	if err := s.requirePhase(PhaseHave); err != nil {
		return nil, err
	}
	start := time.Now()
	defer s.recordPhase("have", start)

	logger := log.FromContext(ctx)
	mode := fr.Capabilities.MultiAckMode()
	result := &NegotiationResult{}

	for !fr.Done {
		if s.Monitor != nil && s.Monitor.IsCancelled() {
			return nil, fmt.Errorf("uploadpack: negotiation cancelled")
		}

		round := protocol.NewObjectIdSet()
		if err := consumeRound(r, round, fr); err != nil {
			return nil, err
		}

		var lastCommon protocol.ObjectId
		sawCommon := false
		for _, id := range round.Slice() {
			has, err := s.Store.Has(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("uploadpack: checking have %s: %w", id, err)
			}
			if !has {
				continue
			}
			sawCommon = true
			lastCommon = id
			result.Common = append(result.Common, id)

			switch mode {
			case protocol.MultiAckDetailed:
				if err := w.WriteString(fmt.Sprintf("ACK %s common\n", id)); err != nil {
					return nil, err
				}
			case protocol.MultiAckBasic:
				if err := w.WriteString(fmt.Sprintf("ACK %s continue\n", id)); err != nil {
					return nil, err
				}
			}
		}

		result.Ready = coversAllWants(fr.Wants.Slice(), result.Common)

		switch {
		case mode == protocol.MultiAckDetailed && result.Ready && !fr.Done:
			if sawCommon {
				if err := w.WriteString(fmt.Sprintf("ACK %s ready\n", lastCommon)); err != nil {
					return nil, err
				}
			}
		case mode == protocol.MultiAckPlain:
			if sawCommon {
				if err := w.WriteString(fmt.Sprintf("ACK %s\n", lastCommon)); err != nil {
					return nil, err
				}
			} else if err := w.WriteString("NAK\n"); err != nil {
				return nil, err
			}
		case !sawCommon && mode != protocol.MultiAckPlain:
			if err := w.WriteString("NAK\n"); err != nil {
				return nil, err
			}
		}

		logger.Debug("negotiation round complete", "sessionID", s.SessionID.String(), "common", len(result.Common), "ready", result.Ready, "done", fr.Done)

		if result.Ready && !fr.Done {
			// The engine may stop early once ready; the client is expected
			// to send "done" on its next line, but some multi_ack modes
			// allow the server to proceed once ready regardless.
			break
		}
	}

	if fr.Done && mode == protocol.MultiAckDetailed {
		if len(result.Common) > 0 {
			if err := w.WriteString(fmt.Sprintf("ACK %s\n", result.Common[len(result.Common)-1])); err != nil {
				return nil, err
			}
		} else if err := w.WriteString("NAK\n"); err != nil {
			return nil, err
		}
	}

	s.phase = PhasePack
	return result, nil
}

func consumeRound(r *pktline.Reader, into *protocol.ObjectIdSet, fr *request.FetchRequest) error {
	for i := 0; i < roundSize; i++ {
		kind, line, err := r.ReadPacket()
		if err != nil {
			return err
		}
		if kind == pktline.KindFlush {
			return nil
		}
		if kind != pktline.KindData {
			continue
		}
		if err := applyRoundLine(into, fr, string(line)); err != nil {
			return err
		}
	}
	return nil
}

func coversAllWants(wants, common []protocol.ObjectId) bool {
	if len(wants) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(common))
	for _, c := range common {
		have[c.String()] = struct{}{}
	}
	for _, w := range wants {
		if _, ok := have[w.String()]; !ok {
			return false
		}
	}
	return true
}

// SendPack produces a pack for the negotiated want/have set and writes it
// on the side-band data channel, with progress flushed concurrently on
// the progress channel via an errgroup so a slow progress write never
// blocks pack bytes reaching the client. It transitions to PhaseDone.
func (s *Session) SendPack(ctx context.Context, sw *pktline.SideBandWriter, fr *request.FetchRequest, result *NegotiationResult) error {
	if err := s.requirePhase(PhasePack); err != nil {
		return err
	}
	start := time.Now()
	defer s.recordPhase("pack", start)

	opts := storage.PackWriteOptions{
		ThinPack:  fr.Capabilities.Has(protocol.CapThinPack),
		OfsDelta:  fr.Capabilities.Has(protocol.CapOfsDelta),
		IncludeTag: fr.Capabilities.Has(protocol.CapIncludeTag),
		Filter:    fr.Filter,
		Deepen:    fr.Deepen,
	}

	g, gctx := errgroup.WithContext(ctx)
	pr, pw := io.Pipe()

	g.Go(func() error {
		defer pw.Close()
		return s.Writer.WritePack(gctx, pw, fr.Wants.Slice(), result.Common, opts)
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
		s.phase = PhaseDone
		return err
	}

	log.FromContext(ctx).Debug("upload-pack sent pack", "sessionID", s.SessionID.String())

	s.phase = PhaseDone
	return sw.WriteEnd()
}

func applyRoundLine(into *protocol.ObjectIdSet, fr *request.FetchRequest, text string) error {
	text = trimNewline(text)
	switch {
	case text == "done":
		fr.Done = true
		return nil
	case len(text) > 5 && text[:5] == "have ":
		id, err := hash.FromHex(strings.TrimSpace(text[5:]))
		if err != nil {
			return err
		}
		return into.Add(id)
	default:
		return nil
	}
}

func trimNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		return s[:len(s)-1]
	}
	return s
}
