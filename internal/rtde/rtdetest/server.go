// Package rtdetest provides an in-process RTDE controller for tests.
package rtdetest

import (
	"bufio"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/MachineTending/internal/rtde"
)

// Server speaks enough of the controller side of RTDE to negotiate
// recipes, stream outputs and record inputs.
type Server struct {
	listener net.Listener
	period   time.Duration

	mu             sync.Mutex
	outputs        map[string]rtde.Value
	inputs         map[string][]rtde.Value
	conns          map[net.Conn]struct{}
	rejectProtocol bool
	rejectStart    bool
	connects       int
	starts         int

	wg sync.WaitGroup
}

// TB is the part of testing.TB the server uses. GinkgoT() satisfies it.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

// NewServer listens on a loopback port and streams outputs every period.
func NewServer(t TB, period time.Duration) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("rtdetest: listen: %v", err)
	}

	s := &Server{
		listener: l,
		period:   period,
		outputs:  make(map[string]rtde.Value),
		inputs:   make(map[string][]rtde.Value),
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)

	return s
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

// SetOutput sets the value streamed for an output register.
func (s *Server) SetOutput(name string, v rtde.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[name] = v
}

// Inputs returns every value received for an input register, in order.
func (s *Server) Inputs(name string) []rtde.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rtde.Value(nil), s.inputs[name]...)
}

// LastInput returns the most recent value received for an input register.
func (s *Server) LastInput(name string) (rtde.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.inputs[name]
	if len(values) == 0 {
		return rtde.Value{}, false
	}
	return values[len(values)-1], true
}

func (s *Server) RejectProtocol(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectProtocol = reject
}

func (s *Server) RejectStart(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectStart = reject
}

// Connects counts accepted TCP sessions.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Starts counts accepted start requests.
func (s *Server) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// DropConnections severs every open session, like a controller reboot.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
}

// SendGarbage writes a data package that matches no recipe to every session.
func (s *Server) SendGarbage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &rtde.Packet{Command: rtde.CmdDataPackage, Payload: []byte{0xFF}}
	for conn := range s.conns {
		conn.Write(p.Encode())
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.connects++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

type session struct {
	server  *Server
	conn    net.Conn
	writeMu sync.Mutex
	output  *rtde.Recipe
	inputs  map[uint8]*rtde.Recipe
	nextID  uint8
	stop    chan struct{}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()

	sess := &session{server: s, conn: conn, inputs: make(map[uint8]*rtde.Recipe), nextID: 1}
	defer sess.stopStreaming()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		p, err := rtde.ReadPacket(reader)
		if err != nil {
			return
		}
		if err := sess.handle(p); err != nil {
			return
		}
	}
}

func (sess *session) write(p *rtde.Packet) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_, err := sess.conn.Write(p.Encode())
	return err
}

func (sess *session) handle(p *rtde.Packet) error {
	s := sess.server

	switch p.Command {
	case rtde.CmdRequestProtocolVersion:
		s.mu.Lock()
		reject := s.rejectProtocol
		s.mu.Unlock()
		return sess.write(&rtde.Packet{Command: p.Command, Payload: []byte{boolByte(!reject)}})

	case rtde.CmdGetControllerVersion:
		payload := make([]byte, 16)
		binary.BigEndian.PutUint32(payload[0:], 5)
		binary.BigEndian.PutUint32(payload[4:], 11)
		binary.BigEndian.PutUint32(payload[8:], 0)
		binary.BigEndian.PutUint32(payload[12:], 108249)
		return sess.write(&rtde.Packet{Command: p.Command, Payload: payload})

	case rtde.CmdSetupOutputs:
		if len(p.Payload) < 8 {
			return sess.write(&rtde.Packet{Command: p.Command, Payload: []byte{0}})
		}
		recipe, types := sess.setup(string(p.Payload[8:]))
		if recipe != nil {
			sess.output = recipe
		}
		return sess.write(&rtde.Packet{Command: p.Command, Payload: append([]byte{sess.idOf(recipe)}, types...)})

	case rtde.CmdSetupInputs:
		recipe, types := sess.setup(string(p.Payload))
		if recipe != nil {
			sess.inputs[recipe.ID] = recipe
		}
		return sess.write(&rtde.Packet{Command: p.Command, Payload: append([]byte{sess.idOf(recipe)}, types...)})

	case rtde.CmdStart:
		s.mu.Lock()
		reject := s.rejectStart || sess.output == nil
		if !reject {
			s.starts++
		}
		s.mu.Unlock()
		if err := sess.write(&rtde.Packet{Command: p.Command, Payload: []byte{boolByte(!reject)}}); err != nil {
			return err
		}
		if !reject {
			sess.startStreaming()
		}
		return nil

	case rtde.CmdPause:
		sess.stopStreaming()
		return sess.write(&rtde.Packet{Command: p.Command, Payload: []byte{1}})

	case rtde.CmdDataPackage:
		if len(p.Payload) < 1 {
			return nil
		}
		recipe, ok := sess.inputs[p.Payload[0]]
		if !ok {
			return nil
		}
		values, err := recipe.DecodeData(p.Payload)
		if err != nil {
			return nil
		}
		s.mu.Lock()
		for i, name := range recipe.Names {
			s.inputs[name] = append(s.inputs[name], values[i])
		}
		s.mu.Unlock()
	}

	return nil
}

// setup resolves variable types; an unknown name fails the whole recipe.
func (sess *session) setup(joined string) (*rtde.Recipe, []byte) {
	names := strings.Split(joined, ",")
	types := make([]string, len(names))
	recipe := &rtde.Recipe{Names: names}
	ok := true
	for i, name := range names {
		t := typeOf(name)
		types[i] = string(t)
		if t == rtde.TypeNotFound {
			ok = false
			continue
		}
		recipe.Types = append(recipe.Types, t)
	}
	if !ok {
		return nil, []byte(strings.Join(types, ","))
	}
	recipe.ID = sess.nextID
	sess.nextID++
	return recipe, []byte(strings.Join(types, ","))
}

func (sess *session) idOf(r *rtde.Recipe) uint8 {
	if r == nil {
		return 0
	}
	return r.ID
}

func (sess *session) startStreaming() {
	sess.stopStreaming()
	stop := make(chan struct{})
	sess.stop = stop
	output := sess.output

	go func() {
		ticker := time.NewTicker(sess.server.period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p, err := output.EncodeData(sess.server.snapshot(output))
				if err != nil {
					return
				}
				if err := sess.write(p); err != nil {
					return
				}
			}
		}
	}()
}

func (sess *session) stopStreaming() {
	if sess.stop != nil {
		close(sess.stop)
		sess.stop = nil
	}
}

func (s *Server) snapshot(r *rtde.Recipe) []rtde.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make([]rtde.Value, len(r.Names))
	for i, name := range r.Names {
		v, ok := s.outputs[name]
		if !ok {
			v = zeroValue(r.Types[i])
		}
		values[i] = v
	}
	return values
}

func zeroValue(t rtde.FieldType) rtde.Value {
	switch t {
	case rtde.TypeVector3D:
		return rtde.VectorValue(t, make([]float64, 3))
	case rtde.TypeVector6D, rtde.TypeVector6Int32, rtde.TypeVector6Uint32:
		return rtde.VectorValue(t, make([]float64, 6))
	}
	return rtde.Value{Type: t}
}

func typeOf(name string) rtde.FieldType {
	switch {
	case strings.HasPrefix(name, "output_int_register_"), strings.HasPrefix(name, "input_int_register_"):
		return rtde.TypeInt32
	case strings.HasPrefix(name, "output_double_register_"), strings.HasPrefix(name, "input_double_register_"):
		return rtde.TypeDouble
	case strings.HasPrefix(name, "output_bit_register_"), strings.HasPrefix(name, "input_bit_register_"):
		return rtde.TypeBool
	case name == "actual_TCP_pose", name == "actual_q", name == "target_q":
		return rtde.TypeVector6D
	case name == "timestamp":
		return rtde.TypeDouble
	case name == "robot_mode", name == "safety_mode":
		return rtde.TypeInt32
	case name == "runtime_state":
		return rtde.TypeUint32
	}
	return rtde.TypeNotFound
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
