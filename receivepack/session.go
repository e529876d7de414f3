// Package receivepack implements the Receive Engine (C7): the server-side
// ADVERTISE -> COMMAND -> PACK -> VALIDATE -> CONNECTIVITY -> EXECUTE ->
// REPORT -> UNLOCK state machine that drives a push.
package receivepack

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
	"github.com/opengit/wireproto/connectivity"
	"github.com/opengit/wireproto/log"
	"github.com/opengit/wireproto/nonce"
	"github.com/opengit/wireproto/pktline"
	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
	"github.com/opengit/wireproto/pushcert"
	"github.com/opengit/wireproto/storage"
)

// Phase names the Receive Engine's state.
type Phase int

const (
	PhaseAdvertise Phase = iota
	PhaseCommand
	PhasePack
	PhaseValidate
	PhaseConnectivity
	PhaseExecute
	PhaseReport
	PhaseUnlock
	PhaseDone
)

// PreReceiveHook runs between VALIDATE and EXECUTE with the currently-OK
// commands. It may demote a command's result (calling SetResult on it)
// but must never promote a rejected command back to OK.
type PreReceiveHook interface {
	PreReceive(ctx context.Context, commands []*protocol.ReceiveCommand) error
}

// PostReceiveHook runs after REPORT with the successful commands.
type PostReceiveHook interface {
	PostReceive(ctx context.Context, commands []*protocol.ReceiveCommand)
}

// Option configures a Session at construction time.
type Option func(*Session) error

// WithSignedPush enables push-cert advertisement and verification using
// svc to generate/verify nonces.
func WithSignedPush(svc *nonce.Service, slopSeconds int64) Option {
	return func(s *Session) error {
		s.nonceService = svc
		s.slopSeconds = slopSeconds
		s.signedPush = true
		return nil
	}
}

// WithAtomic forces atomic-mode semantics regardless of what the client
// negotiates (useful for servers that require it).
func WithAtomic() Option {
	return func(s *Session) error {
		s.forceAtomic = true
		return nil
	}
}

// WithPreReceiveHook attaches a pre-receive hook.
func WithPreReceiveHook(h PreReceiveHook) Option {
	return func(s *Session) error {
		s.preReceive = h
		return nil
	}
}

// WithPostReceiveHook attaches a post-receive hook.
func WithPostReceiveHook(h PostReceiveHook) Option {
	return func(s *Session) error {
		s.postReceive = h
		return nil
	}
}

// WithPushVerifier attaches a signature verifier invoked against a parsed
// push certificate before VALIDATE.
func WithPushVerifier(v pushcert.Verifier) Option {
	return func(s *Session) error {
		s.verifier = v
		return nil
	}
}

// PhaseRecorder receives the duration of a completed session phase and the
// outcome of each nonce verification. Satisfied by *metrics.Recorder; left
// nil by default so this package does not depend on the metrics package
// directly.
type PhaseRecorder interface {
	ObservePhase(component, phase string, seconds float64)
	ObserveNonceVerify(status string)
}

// WithMetrics attaches a PhaseRecorder that observes the duration of each
// command/pack/validate/connectivity/execute/report phase and the outcome
// of every signed-push nonce verification.
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
	s.Metrics.ObservePhase("receivepack", phase, time.Since(start).Seconds())
}

// Session drives one receive-pack push for one connection. A Session is
// single-use, enforcing the "at most one operation per connection"
// invariant by simply never looping back to PhaseAdvertise.
type Session struct {
	Refs       storage.RefDatabase
	Store      storage.ObjectStore
	PackParser storage.PackParser
	Checker    connectivity.Checker
	Caps       protocol.CapabilitySet
	Metrics    PhaseRecorder

	// SessionID correlates every log line this session emits across its
	// ADVERTISE -> COMMAND -> PACK -> ... -> UNLOCK lifecycle.
	SessionID xid.ID

	AllowCreate         bool
	AllowDelete         bool
	AllowNonFastForward bool

	// ForcedHaves are additional object ids a policy layer knows the
	// receiver owns, folded into the reduced haves set tried by an
	// Iterative Checker before it falls back to the complete haves set.
	ForcedHaves []protocol.ObjectId

	nonceService *nonce.Service
	slopSeconds  int64
	signedPush   bool
	issuedNonce  string

	forceAtomic bool
	preReceive  PreReceiveHook
	postReceive PostReceiveHook
	verifier    pushcert.Verifier

	phase Phase
}

// NewSession returns a Session in PhaseAdvertise with create/delete
// permitted by default.
func NewSession(refs storage.RefDatabase, store storage.ObjectStore, parser storage.PackParser, checker connectivity.Checker, caps protocol.CapabilitySet, opts ...Option) (*Session, error) {
	s := &Session{Refs: refs, Store: store, PackParser: parser, Checker: checker, Caps: caps, AllowCreate: true, AllowDelete: true, SessionID: xid.New()}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("receivepack: applying option: %w", err)
		}
	}
	return s, nil
}

// ErrWrongPhase is returned when a method is called out of sequence.
type ErrWrongPhase struct {
	Expected, Actual Phase
}

func (e *ErrWrongPhase) Error() string {
	return fmt.Sprintf("receivepack: expected phase %d, session is in phase %d", e.Expected, e.Actual)
}

func (s *Session) requirePhase(p Phase) error {
	if s.phase != p {
		return &ErrWrongPhase{Expected: p, Actual: s.phase}
	}
	return nil
}

// Advertise writes the capability/ref advertisement, including
// "push-cert=<nonce>" if signed-push is enabled, and transitions to
// PhaseCommand.
func (s *Session) Advertise(ctx context.Context, w *pktline.Writer, hook capability.AdvertiseRefsHook) error {
	if err := s.requirePhase(PhaseAdvertise); err != nil {
		return err
	}
	start := time.Now()
	defer s.recordPhase("advertise", start)

	refs, err := s.Refs.List(ctx)
	if err != nil {
		return fmt.Errorf("receivepack: listing refs: %w", err)
	}

	caps := s.Caps
	if s.signedPush && s.nonceService != nil {
		s.issuedNonce = s.nonceService.Generate(nowUnix())
		caps = protocol.NewCapabilitySet(caps.Tokens()...)
		caps[protocol.CapPushCert] = s.issuedNonce
	}

	adv := capability.NewAdvertiser(caps)
	if hook != nil {
		adv.Hook = hook
	}
	if err := adv.Advertise(ctx, w, refs); err != nil {
		return err
	}

	log.FromContext(ctx).Debug("receive-pack advertised", "sessionID", s.SessionID.String(), "refs", len(refs), "signedPush", s.signedPush)

	s.phase = PhaseCommand
	return nil
}

// nowUnix is a seam so tests can stub issuance time.
var nowUnix = func() int64 { return time.Now().Unix() }

// CommandBatch is the parsed result of the COMMAND phase: the commands
// themselves, the negotiated capability selection, and an optional push
// certificate.
type CommandBatch struct {
	Commands     []*protocol.ReceiveCommand
	Capabilities protocol.CapabilitySet
	Certificate  *pushcert.PushCertificate
}

// ReadCommands parses ReceiveCommand lines until the terminating flush,
// taking capabilities from the NUL-separated tail of the first line. It
// does not read a push certificate; ReadCertificate handles that.
func (s *Session) ReadCommands(ctx context.Context, r *pktline.Reader) (*CommandBatch, error) {
	if err := s.requirePhase(PhaseCommand); err != nil {
		return nil, err
	}
	start := time.Now()
	defer s.recordPhase("command", start)

	batch := &CommandBatch{Capabilities: protocol.NewCapabilitySet()}
	first := true

	for {
		kind, line, err := r.ReadPacket()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if kind == pktline.KindFlush {
			break
		}
		if kind != pktline.KindData {
			continue
		}

		text := strings.TrimRight(string(line), "\n")
		if first {
			first = false
			if prefix, caps := capability.ParseFirstLineV1(text); strings.Contains(text, "\x00") {
				text = prefix
				for c, v := range caps {
					batch.Capabilities[c] = v
				}
			}
		}

		cmd, err := parseCommandLine(text)
		if err != nil {
			return nil, err
		}
		batch.Commands = append(batch.Commands, cmd)
	}

	log.FromContext(ctx).Debug("receive-pack read commands", "sessionID", s.SessionID.String(), "commands", len(batch.Commands))

	s.phase = PhasePack
	return batch, nil
}

// maxFastForwardWalk bounds the ancestry walk isFastForward performs,
// guarding against a pathological history turning a single push
// validation into an unbounded scan.
const maxFastForwardWalk = 100000

// isFastForward reports whether oldID is an ancestor of newID by walking
// parent links from newID.
func isFastForward(ctx context.Context, oldID, newID protocol.ObjectId, store storage.ObjectStore) bool {
	if oldID.Is(newID) {
		return true
	}
	visited := make(map[string]struct{})
	queue := []protocol.ObjectId{newID}

	for len(queue) > 0 && len(visited) < maxFastForwardWalk {
		id := queue[0]
		queue = queue[1:]

		key := id.String()
		if _, ok := visited[key]; ok {
			continue
		}
		visited[key] = struct{}{}

		if id.Is(oldID) {
			return true
		}

		parents, err := store.Parents(ctx, id)
		if err != nil {
			continue
		}
		queue = append(queue, parents...)
	}
	return false
}

func parseCommandLine(text string) (*protocol.ReceiveCommand, error) {
	parts := strings.SplitN(text, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("receivepack: malformed command line %q", text)
	}
	oldID, err := hash.FromHex(parts[0])
	if err != nil {
		return nil, fmt.Errorf("receivepack: parsing old id: %w", err)
	}
	newID, err := hash.FromHex(parts[1])
	if err != nil {
		return nil, fmt.Errorf("receivepack: parsing new id: %w", err)
	}
	return protocol.NewReceiveCommand(oldID, newID, parts[2]), nil
}

// ReadCertificate parses a push certificate block from r, attaching its
// nonce verification status using the session's nonce service.
func (s *Session) ReadCertificate(ctx context.Context, r io.Reader) (*pushcert.PushCertificate, error) {
	cert, err := pushcert.Parse(r)
	if err != nil {
		return nil, err
	}
	if s.nonceService != nil {
		cert.NonceStatus = s.nonceService.Verify(cert.Nonce, s.issuedNonce, nowUnix(), true, s.slopSeconds)
		if s.Metrics != nil {
			s.Metrics.ObserveNonceVerify(strings.ToLower(cert.NonceStatus.String()))
		}
	}
	if s.verifier != nil {
		if err := s.verifier.Verify(cert.TextPayload, cert.PusherIdent, cert.RawSignature); err != nil {
			return cert, fmt.Errorf("receivepack: signature verification failed: %w", err)
		}
	}
	return cert, nil
}

// ReceivePack parses an incoming pack stream if any command is non-DELETE,
// acquiring a PackLock the caller must eventually unlock exactly once.
func (s *Session) ReceivePack(ctx context.Context, r io.Reader, batch *CommandBatch) (*storage.ParsedPack, error) {
	if err := s.requirePhase(PhasePack); err != nil {
		return nil, err
	}
	start := time.Now()
	defer s.recordPhase("pack", start)

	needsPack := false
	for _, cmd := range batch.Commands {
		if cmd.Type != protocol.CommandDelete {
			needsPack = true
			break
		}
	}

	var parsed *storage.ParsedPack
	if needsPack {
		p, err := s.PackParser.Parse(ctx, r, "receive-pack incoming pack")
		if err != nil {
			for _, cmd := range batch.Commands {
				if !cmd.Attempted() {
					cmd.SetResult(protocol.RejectedOtherReason, fmt.Sprintf("unpack error: %v", err))
				}
			}
			s.phase = PhaseReport
			return nil, fmt.Errorf("receivepack: unpacking: %w", err)
		}
		parsed = p
	}

	s.phase = PhaseValidate
	return parsed, nil
}

// Validate enforces per-command policy and, if atomic mode is negotiated
// (or forced), the all-or-nothing abort rule: a single rejected command
// demotes every still-untouched command to REJECTED_OTHER_REASON.
func (s *Session) Validate(ctx context.Context, batch *CommandBatch) error {
	if err := s.requirePhase(PhaseValidate); err != nil {
		return err
	}
	start := time.Now()
	defer s.recordPhase("validate", start)

	atomic := s.forceAtomic || batch.Capabilities.Has(protocol.CapAtomic)
	anyRejected := false

	for _, cmd := range batch.Commands {
		if cmd.Attempted() {
			continue
		}

		existing, ok, err := s.Refs.Get(ctx, cmd.Name)
		if err != nil {
			return fmt.Errorf("receivepack: reading ref %s: %w", cmd.Name, err)
		}

		switch cmd.Type {
		case protocol.CommandDelete:
			if !ok {
				cmd.SetResult(protocol.NonExisting, "")
				anyRejected = true
				continue
			}
			if !s.AllowDelete {
				cmd.SetResult(protocol.RejectedNoDelete, "")
				anyRejected = true
				continue
			}
		case protocol.CommandCreate:
			if !s.AllowCreate {
				cmd.SetResult(protocol.RejectedNoCreate, "")
				anyRejected = true
				continue
			}
		default:
			if !ok {
				cmd.SetResult(protocol.NonExisting, "")
				anyRejected = true
				continue
			}
			if !existing.ObjectId.Is(cmd.OldId) {
				cmd.SetResult(protocol.RejectedRemoteChanged, "")
				anyRejected = true
				continue
			}
			if s.Refs.IsCheckedOut(ctx, cmd.Name) {
				cmd.SetResult(protocol.RejectedCurrentBranch, "")
				anyRejected = true
				continue
			}
			if !s.AllowNonFastForward && !isFastForward(ctx, cmd.OldId, cmd.NewId, s.Store) {
				cmd.MarkNonFastForward()
				cmd.SetResult(protocol.RejectedNonFastForward, "")
				anyRejected = true
				continue
			}
		}
	}

	if atomic && anyRejected {
		for _, cmd := range batch.Commands {
			if !cmd.Attempted() {
				cmd.SetResult(protocol.RejectedOtherReason, "transaction aborted")
			}
		}
	}

	s.phase = PhaseConnectivity
	return nil
}

// reducedHaves narrows the boundary set an Iterative Checker tries before
// falling back to the complete haves set: the old ids of UPDATE commands,
// the new ids of CREATE/UPDATE commands that happen to already be
// advertised, the advertised parents of CREATE commands' new tips, and any
// policy-forced haves.
func (s *Session) reducedHaves(ctx context.Context, batch *CommandBatch, refs []protocol.Ref) connectivity.ReducedHavesInput {
	advertised := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		advertised[r.ObjectId.String()] = struct{}{}
	}

	reduced := connectivity.ReducedHavesInput{ForcedHaves: s.ForcedHaves}
	for _, cmd := range batch.Commands {
		if cmd.Attempted() || cmd.Type == protocol.CommandDelete {
			continue
		}
		if cmd.Type == protocol.CommandUpdate {
			reduced.UpdateOldIds = append(reduced.UpdateOldIds, cmd.OldId)
		}
		if _, ok := advertised[cmd.NewId.String()]; ok {
			reduced.AdvertisedNewIds = append(reduced.AdvertisedNewIds, cmd.NewId)
		}
	}

	for _, cmd := range batch.Commands {
		if cmd.Attempted() || cmd.Type != protocol.CommandCreate {
			continue
		}
		parents, err := s.Store.Parents(ctx, cmd.NewId)
		if err != nil {
			continue
		}
		for _, p := range parents {
			if _, ok := advertised[p.String()]; ok {
				reduced.AdvertisedParents = append(reduced.AdvertisedParents, p)
			}
		}
	}

	return reduced
}

// CheckConnectivity runs the connectivity check over every still-pending
// command's new tip, marking violators REJECTED_MISSING_OBJECT. It also
// reads any trailing push-options concurrently with the walk via an
// errgroup, since the two are independent once the pack has already been
// parsed. If Checker is an *connectivity.Iterative, its reduced haves set
// is populated from the command batch before the walk runs.
func (s *Session) CheckConnectivity(ctx context.Context, batch *CommandBatch, parsed *storage.ParsedPack, haves []protocol.ObjectId, readPushOptions func() ([]string, error)) ([]string, error) {
	if err := s.requirePhase(PhaseConnectivity); err != nil {
		return nil, err
	}
	start := time.Now()
	defer s.recordPhase("connectivity", start)

	var tips []protocol.ObjectId
	for _, cmd := range batch.Commands {
		if cmd.Attempted() || cmd.Type == protocol.CommandDelete {
			continue
		}
		tips = append(tips, cmd.NewId)
	}

	var packObjects []protocol.ObjectId
	if parsed != nil {
		packObjects = parsed.ObjectIds
	}

	if iterative, ok := s.Checker.(*connectivity.Iterative); ok {
		refs, err := s.Refs.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("receivepack: listing refs: %w", err)
		}
		iterative.Reduced = s.reducedHaves(ctx, batch, refs)
	}

	var pushOptions []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Checker.Check(gctx, tips, haves, packObjects)
	})
	g.Go(func() error {
		if readPushOptions == nil {
			return nil
		}
		opts, err := readPushOptions()
		pushOptions = opts
		return err
	})

	if err := g.Wait(); err != nil {
		var missing *connectivity.ErrMissingObject
		if errors.As(err, &missing) {
			for _, cmd := range batch.Commands {
				if cmd.Attempted() || cmd.Type == protocol.CommandDelete {
					continue
				}
				var cmdMissing *connectivity.ErrMissingObject
				cerr := s.Checker.Check(ctx, []protocol.ObjectId{cmd.NewId}, haves, packObjects)
				if errors.As(cerr, &cmdMissing) {
					cmd.SetResult(protocol.RejectedMissingObject, "")
				}
			}
		} else {
			return nil, fmt.Errorf("receivepack: connectivity check: %w", err)
		}
	}

	s.phase = PhaseExecute
	return pushOptions, nil
}

// Execute applies every still-OK-eligible command (running PreReceiveHook
// first) through the ref database.
func (s *Session) Execute(ctx context.Context, batch *CommandBatch) error {
	if err := s.requirePhase(PhaseExecute); err != nil {
		return err
	}
	start := time.Now()
	defer s.recordPhase("execute", start)

	if s.preReceive != nil {
		pending := make([]*protocol.ReceiveCommand, 0, len(batch.Commands))
		for _, cmd := range batch.Commands {
			if !cmd.Attempted() {
				pending = append(pending, cmd)
			}
		}
		if err := s.preReceive.PreReceive(ctx, pending); err != nil {
			for _, cmd := range pending {
				if !cmd.Attempted() {
					cmd.SetResult(protocol.RejectedOtherReason, err.Error())
				}
			}
		}
	}

	if err := s.Refs.ApplyCommands(ctx, batch.Commands); err != nil {
		return fmt.Errorf("receivepack: applying commands: %w", err)
	}

	for _, cmd := range batch.Commands {
		if !cmd.Attempted() {
			cmd.SetResult(protocol.RejectedOtherReason, "not applied")
		}
	}

	s.phase = PhaseReport
	return nil
}

// Report emits the "unpack ok"/"unpack <error>" line followed by one
// per-command status line, if report-status was negotiated, and runs
// PostReceiveHook over the successful commands.
func (s *Session) Report(ctx context.Context, w *pktline.Writer, batch *CommandBatch, unpackErr error) error {
	if err := s.requirePhase(PhaseReport); err != nil {
		return err
	}
	start := time.Now()
	defer s.recordPhase("report", start)

	if batch.Capabilities.Has(protocol.CapReportStatus) || batch.Capabilities.Has(protocol.CapReportStatusV2) {
		unpackLine := "unpack ok"
		if unpackErr != nil {
			unpackLine = fmt.Sprintf("unpack %s", unpackErr.Error())
		}
		if err := w.WriteString(unpackLine + "\n"); err != nil {
			return err
		}
		for _, cmd := range batch.Commands {
			if err := w.WriteString(cmd.StatusLine() + "\n"); err != nil {
				return err
			}
		}
		if err := w.WriteFlush(); err != nil {
			return err
		}
	}

	if s.postReceive != nil {
		var ok []*protocol.ReceiveCommand
		for _, cmd := range batch.Commands {
			if cmd.Result == protocol.OK {
				ok = append(ok, cmd)
			}
		}
		s.postReceive.PostReceive(ctx, ok)
	}

	log.FromContext(ctx).Debug("receive-pack reported", "sessionID", s.SessionID.String())

	s.phase = PhaseUnlock
	return nil
}

// Unlock releases the PackLock exactly once, regardless of prior path.
// Safe to call even when parsed is nil (a delete-only push never parsed a
// pack).
func (s *Session) Unlock(parsed *storage.ParsedPack) error {
	if parsed == nil || parsed.Lock == nil {
		s.phase = PhaseDone
		return nil
	}
	err := parsed.Lock.Unlock()
	s.phase = PhaseDone
	return err
}
