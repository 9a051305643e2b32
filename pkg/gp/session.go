package gp

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skythen/apdu"
)

// State is the lifecycle state of a session.
type State int

const (
	stateNone State = iota
	StateCreated
	StateAuthenticated
	StateOperating
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAuthenticated:
		return "authenticated"
	case StateOperating:
		return "operating"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "none"
	}
}

func (s State) terminal() bool { return s == StateClosed || s == StateFailed }

// SecurityLevel is the P1 value of EXTERNAL AUTHENTICATE.
type SecurityLevel byte

const (
	LevelNone SecurityLevel = 0x00
	LevelCMAC SecurityLevel = 0x01
	LevelCDEC SecurityLevel = 0x02
	LevelRMAC SecurityLevel = 0x10

	// LevelCMACCDEC is the default: command MAC plus command encryption.
	LevelCMACCDEC = LevelCMAC | LevelCDEC
)

func (l SecurityLevel) CMAC() bool { return l&LevelCMAC != 0 }
func (l SecurityLevel) CDEC() bool { return l&LevelCDEC != 0 }
func (l SecurityLevel) RMAC() bool { return l&LevelRMAC != 0 }

func (l SecurityLevel) String() string {
	var parts []string
	if l.CMAC() {
		parts = append(parts, "C-MAC")
	}
	if l.CDEC() {
		parts = append(parts, "C-DEC")
	}
	if l.RMAC() {
		parts = append(parts, "R-MAC")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

func (l SecurityLevel) validate(p Protocol) error {
	if l&^(LevelCMAC|LevelCDEC|LevelRMAC) != 0 {
		return newError(KindProtocol, "security level", "unsupported bits in %02X", byte(l))
	}
	if l.CDEC() && !l.CMAC() {
		return newError(KindProtocol, "security level", "C-DEC requires C-MAC")
	}
	if l.RMAC() && p == SCP01 {
		return newError(KindProtocol, "security level", "R-MAC is not available with SCP01")
	}
	return nil
}

// Options carries the ambient dependencies of a session.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *Metrics
}

// Session is one secure channel bound to one card connection. Every
// authenticated command is MAC-chained to the previous one, so a Session
// must not be used from more than one goroutine.
type Session interface {
	ID() string
	ProtocolInfo() ProtocolInfo
	State() State
	SecurityLevel() SecurityLevel
	// SetSecurityLevel is only allowed before ExternalAuthenticate.
	SetSecurityLevel(level SecurityLevel) error
	// ICV returns a copy of the current MAC chaining value.
	ICV() []byte

	ComputeCardCryptogram() ([]byte, error)
	ComputeHostCryptogram() ([]byte, error)
	ExternalAuthenticate() error

	// ComputeAPDU applies C-MAC and, if required, C-DEC to f and advances
	// the chaining value.
	ComputeAPDU(f *CommandFrame) error
	// Send protects f, transmits it, requires 9000 and returns the
	// response data with any R-MAC verified and removed.
	Send(f *CommandFrame) ([]byte, error)
	// EncryptKey builds a PUT KEY key block for key, encrypted with the
	// session's data encryption key.
	EncryptKey(p Provider, key *SymmetricKey) ([]byte, error)

	// Abort moves the session to the failed state and returns cause.
	Abort(cause error) error
	Close() error
}

// securer is the protocol-specific part of a session.
type securer interface {
	computeAPDU(f *CommandFrame) error
	verifyResponse(f *CommandFrame, r apdu.Rapdu) ([]byte, error)
}

// channel is the state shared by every protocol variant.
type channel struct {
	id      string
	card    Card
	info    ProtocolInfo
	level   SecurityLevel
	state   State
	failure error

	icv            []byte
	seq            []byte
	hostChallenge  []byte
	cardChallenge  []byte
	hostCryptogram []byte
	cardCryptogram []byte
	kdd            []byte
	keyInfoData    []byte

	sec     securer
	log     *slog.Logger
	metrics *Metrics
}

func newChannel(card Card, info ProtocolInfo, icvLen int, opts Options) *channel {
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &channel{
		id:    id,
		card:  card,
		info:  info,
		level: LevelCMACCDEC,
		// The chaining value always starts from zero for a new session.
		icv:     make([]byte, icvLen),
		log:     logger.With("session", id, "protocol", info.Protocol().String()),
		metrics: opts.Metrics,
	}
	c.setState(StateCreated)
	return c
}

func hexString(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func (c *channel) ID() string                   { return c.id }
func (c *channel) ProtocolInfo() ProtocolInfo   { return c.info }
func (c *channel) State() State                 { return c.state }
func (c *channel) SecurityLevel() SecurityLevel { return c.level }
func (c *channel) ICV() []byte                  { return clone(c.icv) }

// KeyDiversificationData returns the card's diversification data.
func (c *channel) KeyDiversificationData() []byte { return clone(c.kdd) }

// KeyInformationData returns the key version and protocol reported by
// INITIALIZE UPDATE.
func (c *channel) KeyInformationData() []byte { return clone(c.keyInfoData) }

func (c *channel) setState(s State) {
	if c.state == s {
		return
	}
	c.metrics.transition(c.state, s)
	c.log.Debug("session state", "from", c.state.String(), "to", s.String())
	c.state = s
}

func (c *channel) SetSecurityLevel(level SecurityLevel) error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.state != StateCreated {
		return c.fail(newError(KindProtocol, "security level", "cannot change level in state %s", c.state))
	}
	if err := level.validate(c.info.Protocol()); err != nil {
		return c.fail(err)
	}
	c.level = level
	return nil
}

// usable fails fast on terminal sessions.
func (c *channel) usable() error {
	switch c.state {
	case StateFailed:
		return ErrSessionFailed
	case StateClosed:
		return ErrSessionClosed
	}
	return nil
}

// fail moves the session to the failed state. Errors not produced by this
// package are reported as protocol errors.
func (c *channel) fail(err error) error {
	if _, ok := err.(*Error); !ok {
		err = &Error{Kind: KindProtocol, Err: err}
	}
	if c.state != StateFailed {
		c.failure = err
		c.log.Warn("session failed", "error", err)
		c.setState(StateFailed)
	}
	return err
}

func (c *channel) Abort(cause error) error {
	if cause == nil {
		cause = newError(KindProtocol, "abort", "aborted by caller")
	}
	if c.state == StateClosed {
		return ErrSessionClosed
	}
	return c.fail(cause)
}

func (c *channel) Close() error {
	if c.state == StateClosed || c.state == StateFailed {
		return nil
	}
	c.setState(StateClosed)
	c.log.Info("session closed")
	return nil
}

// checkCommand verifies f may be protected in the current state.
func (c *channel) checkCommand(f *CommandFrame) error {
	if err := c.usable(); err != nil {
		return err
	}
	if f == nil {
		return c.fail(newError(KindProtocol, "compute apdu", "nil frame"))
	}
	switch c.state {
	case StateCreated:
		if f.Kind != CmdExternalAuthenticate {
			return c.fail(&Error{Kind: KindProtocol, Op: f.Kind.String(), Msg: ErrNotAuthenticated.Msg})
		}
	case StateAuthenticated, StateOperating:
		if f.Kind == CmdExternalAuthenticate {
			return c.fail(newError(KindProtocol, f.Kind.String(), "session already authenticated"))
		}
	}
	return nil
}

// guard is deferred by session operations that run provider ciphers. A
// recovered ProviderFailure fails the session.
func (c *channel) guard(op string, err *error) {
	if r := recover(); r != nil {
		*err = c.fail(providerError(op, r))
	}
}

func (c *channel) ComputeAPDU(f *CommandFrame) (err error) {
	defer c.guard("compute apdu", &err)
	if err := c.checkCommand(f); err != nil {
		return err
	}
	if err := c.sec.computeAPDU(f); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *channel) Send(f *CommandFrame) (_ []byte, err error) {
	defer c.guard("send", &err)
	if err := c.ComputeAPDU(f); err != nil {
		return nil, err
	}
	start := time.Now()
	data, err := c.transmit(f)
	c.metrics.observeCommand(f.Kind, c.info.Protocol(), start, err)
	if err != nil {
		return nil, c.fail(err)
	}
	if c.state == StateAuthenticated {
		c.setState(StateOperating)
	}
	return data, nil
}

func (c *channel) transmit(f *CommandFrame) ([]byte, error) {
	raw, err := f.Bytes()
	if err != nil {
		return nil, err
	}
	c.log.Debug("secure command",
		"kind", f.Kind.String(),
		"apdu", hexString(raw),
		"mac", hexString(f.MAC),
		"icv", hexString(c.icv))

	resp, err := Transmit(c.card, raw)
	if err != nil {
		return nil, err
	}
	sw := StatusWord(resp)
	if !SwOK(sw) {
		return nil, statusError(f.Kind.String(), f.Ins, sw)
	}
	return c.sec.verifyResponse(f, resp)
}

// externalAuthenticate runs the shared part of mutual authentication:
// verify the card cryptogram, send the host cryptogram.
func (c *channel) externalAuthenticate(cardCryptogram, hostCryptogram func() ([]byte, error)) (err error) {
	defer c.guard("external authenticate", &err)
	if err := c.usable(); err != nil {
		return err
	}
	const op = "external authenticate"
	if c.state != StateCreated {
		return c.fail(newError(KindProtocol, op, "session already authenticated"))
	}

	err = c.authenticate(op, cardCryptogram, hostCryptogram)
	c.metrics.observeAuth(c.info.Protocol(), err)
	if err != nil {
		return c.fail(err)
	}
	c.setState(StateAuthenticated)
	c.log.Info("secure channel established", "level", c.level.String())
	return nil
}

func (c *channel) authenticate(op string, cardCryptogram, hostCryptogram func() ([]byte, error)) error {
	expected, err := cardCryptogram()
	if err != nil {
		return err
	}
	c.log.Debug("card cryptogram", "expected", hexString(expected), "received", hexString(c.cardCryptogram))
	if subtle.ConstantTimeCompare(expected, c.cardCryptogram) != 1 {
		return &Error{
			Kind: KindCryptogramMismatch,
			Op:   op,
			Msg:  fmt.Sprintf("card cryptogram %s does not match expected %s", hexString(c.cardCryptogram), hexString(expected)),
		}
	}

	host, err := hostCryptogram()
	if err != nil {
		return err
	}
	c.hostCryptogram = host

	f := ExternalAuthenticateCommand(c.level, host)
	if err := c.sec.computeAPDU(f); err != nil {
		return err
	}
	start := time.Now()
	_, err = c.transmit(f)
	c.metrics.observeCommand(f.Kind, c.info.Protocol(), start, err)
	if IsAuthError(err) {
		return &Error{Kind: KindCryptogramMismatch, Op: op, SW: KindOfSW(err), Msg: "card rejected host cryptogram", Err: err}
	}
	return err
}

// KindOfSW returns the status word carried by err, or 0.
func KindOfSW(err error) uint16 {
	if swErr, ok := asSWError(err); ok {
		return swErr.SW
	}
	return 0
}

func requireLen(op, name string, b []byte, n int) error {
	if len(b) != n {
		return newError(KindProtocol, op, "%s must be %d bytes, got %d", name, n, len(b))
	}
	return nil
}

func requireNonEmpty(op, name string, b []byte) error {
	if len(b) == 0 {
		return newError(KindProtocol, op, "%s is required", name)
	}
	return nil
}
