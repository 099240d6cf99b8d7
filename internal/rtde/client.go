package rtde

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("rtde: not connected")

// ProtocolError is a reply the controller sent on purpose: a rejected
// request or a packet that does not match the negotiated recipe.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rtde %s: %s", e.Op, e.Msg)
}

type Client struct {
	address   string
	timeout   time.Duration
	logger    *zap.Logger
	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	output    *Recipe
}

func NewClient(address string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		address: address,
		timeout: timeout,
		logger:  logger,
	}
}

// Connect stellt TCP-Verbindung her
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 4096)
	c.connected = true
	c.output = nil

	return nil
}

// Disconnect schließt die Verbindung
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil
	c.reader = nil
	c.output = nil

	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func (c *Client) writeLocked(ctx context.Context, p *Packet) error {
	if !c.connected {
		return ErrNotConnected
	}

	c.conn.SetWriteDeadline(c.deadline(ctx))
	if _, err := c.conn.Write(p.Encode()); err != nil {
		c.closeLocked()
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (c *Client) readLocked(ctx context.Context) (*Packet, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}

	c.conn.SetReadDeadline(c.deadline(ctx))
	p, err := ReadPacket(c.reader)
	if err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}
	return p, nil
}

// request sends p and waits for the reply with the same command code.
func (c *Client) request(ctx context.Context, p *Packet) (*Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLocked(ctx, p); err != nil {
		return nil, err
	}

	for {
		reply, err := c.readLocked(ctx)
		if err != nil {
			return nil, err
		}
		switch reply.Command {
		case p.Command:
			return reply, nil
		case CmdTextMessage:
			c.logTextMessage(reply)
		case CmdDataPackage:
			// Still streaming from a previous start, not an answer.
		default:
			c.logger.Debug("Skipping unexpected RTDE packet",
				zap.Int("command", int(reply.Command)),
				zap.Int("awaiting", int(p.Command)))
		}
	}
}

func (c *Client) logTextMessage(p *Packet) {
	msg, err := p.ParseTextMessage()
	if err != nil {
		c.logger.Warn("Malformed RTDE text message", zap.Error(err))
		return
	}
	c.logger.Info("Controller message",
		zap.String("source", msg.Source),
		zap.Uint8("level", msg.Level),
		zap.String("message", msg.Message))
}

// NegotiateProtocolVersion requests protocol version 2.
func (c *Client) NegotiateProtocolVersion(ctx context.Context) (bool, error) {
	reply, err := c.request(ctx, ProtocolVersionRequest(ProtocolVersion))
	if err != nil {
		return false, err
	}
	return reply.ParseAccepted()
}

func (c *Client) ControllerVersion(ctx context.Context) (ControllerVersion, error) {
	reply, err := c.request(ctx, &Packet{Command: CmdGetControllerVersion})
	if err != nil {
		return ControllerVersion{}, err
	}
	return reply.ParseControllerVersion()
}

// SetupOutputs negotiates the recipe the controller streams to us.
func (c *Client) SetupOutputs(ctx context.Context, names []string, frequency float64) (*Recipe, error) {
	reply, err := c.request(ctx, SetupOutputsRequest(frequency, names))
	if err != nil {
		return nil, err
	}

	recipe, err := reply.ParseSetupReply(names)
	if err != nil {
		return nil, &ProtocolError{Op: "setup outputs", Msg: err.Error()}
	}

	c.mu.Lock()
	c.output = recipe
	c.mu.Unlock()

	return recipe, nil
}

// SetupInputs negotiates a recipe we send to the controller.
func (c *Client) SetupInputs(ctx context.Context, names []string) (*Recipe, error) {
	reply, err := c.request(ctx, SetupInputsRequest(names))
	if err != nil {
		return nil, err
	}

	recipe, err := reply.ParseSetupReply(names)
	if err != nil {
		return nil, &ProtocolError{Op: "setup inputs", Msg: err.Error()}
	}
	return recipe, nil
}

// Start begins the periodic exchange.
func (c *Client) Start(ctx context.Context) (bool, error) {
	reply, err := c.request(ctx, &Packet{Command: CmdStart})
	if err != nil {
		return false, err
	}
	return reply.ParseAccepted()
}

func (c *Client) Pause(ctx context.Context) (bool, error) {
	reply, err := c.request(ctx, &Packet{Command: CmdPause})
	if err != nil {
		return false, err
	}
	return reply.ParseAccepted()
}

// Receive blocks for the next output data package. Packages that are
// already buffered behind it are drained so the caller always gets the
// most recent state, not a backlog.
func (c *Client) Receive(ctx context.Context) ([]Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.output == nil {
		return nil, &ProtocolError{Op: "receive", Msg: "no output recipe"}
	}

	var latest *Packet
	for latest == nil {
		p, err := c.readLocked(ctx)
		if err != nil {
			return nil, err
		}
		c.accept(p, &latest)
	}

	for c.packetBuffered() {
		p, err := c.readLocked(ctx)
		if err != nil {
			return nil, err
		}
		c.accept(p, &latest)
	}

	values, err := c.output.DecodeData(latest.Payload)
	if err != nil {
		return nil, &ProtocolError{Op: "receive", Msg: err.Error()}
	}
	return values, nil
}

func (c *Client) accept(p *Packet, latest **Packet) {
	switch p.Command {
	case CmdDataPackage:
		*latest = p
	case CmdTextMessage:
		c.logTextMessage(p)
	}
}

// packetBuffered reports whether a complete packet is already in the reader.
func (c *Client) packetBuffered() bool {
	if c.reader.Buffered() < headerSize {
		return false
	}
	header, err := c.reader.Peek(headerSize)
	if err != nil {
		return false
	}
	return c.reader.Buffered() >= int(binary.BigEndian.Uint16(header[0:2]))
}

// Send transmits one data package for an input recipe.
func (c *Client) Send(ctx context.Context, recipe *Recipe, values []Value) error {
	p, err := recipe.EncodeData(values)
	if err != nil {
		return &ProtocolError{Op: "send", Msg: err.Error()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(ctx, p)
}
