package gp

import (
	"fmt"

	"github.com/ebfe/scard"
)

// Connection is an exclusive PC/SC connection to one card. It implements
// Card.
type Connection struct {
	ctx       *scard.Context
	Card      *scard.Card
	Reader    string
	ReaderIdx int
}

// ListReaders returns the names of the PC/SC readers currently attached.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, wrapError(KindTransport, "list readers", err, "establish context")
	}
	defer ctx.Release()
	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, wrapError(KindTransport, "list readers", err, "list")
	}
	return readers, nil
}

// Connect opens the reader at readerIndex (0-based) in exclusive mode, so
// no other process can interleave commands with a secure channel.
func Connect(readerIndex int) (*Connection, error) {
	const op = "connect"
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, wrapError(KindTransport, op, err, "establish context")
	}

	readers, err := ctx.ListReaders()
	switch {
	case err != nil:
		ctx.Release()
		return nil, wrapError(KindTransport, op, err, "list readers")
	case len(readers) == 0:
		ctx.Release()
		return nil, newError(KindTransport, op, "no readers found")
	case readerIndex < 0 || readerIndex >= len(readers):
		ctx.Release()
		return nil, newError(KindTransport, op, "reader index %d out of range (0..%d)", readerIndex, len(readers)-1)
	}

	reader := readers[readerIndex]
	card, err := ctx.Connect(reader, scard.ShareExclusive, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, wrapError(KindTransport, op, err, fmt.Sprintf("reader %q", reader))
	}
	return &Connection{ctx: ctx, Card: card, Reader: reader, ReaderIdx: readerIndex}, nil
}

// ATR returns the card's answer to reset.
func (c *Connection) ATR() ([]byte, error) {
	st, err := c.Card.Status()
	if err != nil {
		return nil, wrapError(KindTransport, "status", err, "card status")
	}
	return st.Atr, nil
}

// Close resets the card, which drops any open secure channel, and releases
// the PC/SC context.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	if c.Card != nil {
		_ = c.Card.Disconnect(scard.ResetCard)
	}
	if c.ctx != nil {
		_ = c.ctx.Release()
	}
}

// Transmit implements Card.
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, fmt.Errorf("connection not established")
	}
	return c.Card.Transmit(apdu)
}
