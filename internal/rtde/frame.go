package rtde

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// Header (3 Bytes): size uint16 (incl. header) + command uint8, big endian.
const headerSize = 3

// ProtocolVersion is the RTDE protocol version requested on connect.
const ProtocolVersion = 2

// Command codes
const (
	CmdRequestProtocolVersion = 86 // 'V'
	CmdGetControllerVersion   = 118 // 'v'
	CmdTextMessage            = 77 // 'M'
	CmdDataPackage            = 85 // 'U'
	CmdSetupOutputs           = 79 // 'O'
	CmdSetupInputs            = 73 // 'I'
	CmdStart                  = 83 // 'S'
	CmdPause                  = 80 // 'P'
)

// Packet is one RTDE message.
type Packet struct {
	Command uint8
	Payload []byte
}

// Encode erstellt das komplette Paket inkl. Header
func (p *Packet) Encode() []byte {
	frame := make([]byte, headerSize+len(p.Payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(frame)))
	frame[2] = p.Command
	copy(frame[headerSize:], p.Payload)
	return frame
}

// ReadPacket reads exactly one packet from r.
func ReadPacket(r io.Reader) (*Packet, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint16(header[0:2])
	if size < headerSize {
		return nil, fmt.Errorf("packet too short: %d bytes", size)
	}

	payload := make([]byte, int(size)-headerSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &Packet{Command: header[2], Payload: payload}, nil
}

// FieldType is an RTDE register type name.
type FieldType string

const (
	TypeBool          FieldType = "BOOL"
	TypeUint8         FieldType = "UINT8"
	TypeUint32        FieldType = "UINT32"
	TypeUint64        FieldType = "UINT64"
	TypeInt32         FieldType = "INT32"
	TypeDouble        FieldType = "DOUBLE"
	TypeVector3D      FieldType = "VECTOR3D"
	TypeVector6D      FieldType = "VECTOR6D"
	TypeVector6Int32  FieldType = "VECTOR6INT32"
	TypeVector6Uint32 FieldType = "VECTOR6UINT32"

	// Returned by the controller instead of a type when setup fails.
	TypeNotFound FieldType = "NOT_FOUND"
	TypeInUse    FieldType = "IN_USE"
)

// Size returns the encoded size of one value, 0 for unknown types.
func (t FieldType) Size() int {
	switch t {
	case TypeBool, TypeUint8:
		return 1
	case TypeUint32, TypeInt32:
		return 4
	case TypeUint64, TypeDouble:
		return 8
	case TypeVector3D:
		return 24
	case TypeVector6D:
		return 48
	case TypeVector6Int32, TypeVector6Uint32:
		return 24
	default:
		return 0
	}
}

func (t FieldType) vectorLen() int {
	switch t {
	case TypeVector3D:
		return 3
	case TypeVector6D, TypeVector6Int32, TypeVector6Uint32:
		return 6
	default:
		return 0
	}
}

// ParseFieldType validates a type name from a recipe document.
func ParseFieldType(s string) (FieldType, error) {
	t := FieldType(strings.ToUpper(strings.TrimSpace(s)))
	if t.Size() == 0 {
		return "", fmt.Errorf("unknown field type %q", s)
	}
	return t, nil
}

// Value holds one register value. Scalars use Int or Double, vectors use Vector.
type Value struct {
	Type   FieldType
	Int    int64
	Double float64
	Vector []float64
}

func IntValue(t FieldType, v int64) Value {
	return Value{Type: t, Int: v}
}

func DoubleValue(v float64) Value {
	return Value{Type: TypeDouble, Double: v}
}

func VectorValue(t FieldType, v []float64) Value {
	return Value{Type: t, Vector: v}
}

// Recipe is a negotiated register set, identified by the controller-assigned ID.
type Recipe struct {
	ID    uint8
	Names []string
	Types []FieldType
}

// Index returns the position of name in the recipe or -1.
func (r *Recipe) Index(name string) int {
	for i, n := range r.Names {
		if n == name {
			return i
		}
	}
	return -1
}

func (r *Recipe) payloadSize() int {
	n := 1
	for _, t := range r.Types {
		n += t.Size()
	}
	return n
}

// EncodeData builds a DATA_PACKAGE for the recipe.
func (r *Recipe) EncodeData(values []Value) (*Packet, error) {
	if len(values) != len(r.Types) {
		return nil, fmt.Errorf("recipe %d expects %d values, got %d", r.ID, len(r.Types), len(values))
	}

	payload := make([]byte, r.payloadSize())
	payload[0] = r.ID
	offset := 1
	for i, t := range r.Types {
		if err := putValue(payload[offset:], t, values[i]); err != nil {
			return nil, fmt.Errorf("field %s: %w", r.Names[i], err)
		}
		offset += t.Size()
	}

	return &Packet{Command: CmdDataPackage, Payload: payload}, nil
}

// DecodeData parses a DATA_PACKAGE payload against the recipe.
func (r *Recipe) DecodeData(payload []byte) ([]Value, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty data package")
	}
	if payload[0] != r.ID {
		return nil, fmt.Errorf("recipe ID mismatch: expected %d, got %d", r.ID, payload[0])
	}
	if len(payload) != r.payloadSize() {
		return nil, fmt.Errorf("data package size mismatch: expected %d, got %d", r.payloadSize(), len(payload))
	}

	values := make([]Value, len(r.Types))
	offset := 1
	for i, t := range r.Types {
		values[i] = getValue(payload[offset:], t)
		offset += t.Size()
	}
	return values, nil
}

func putValue(buf []byte, t FieldType, v Value) error {
	switch t {
	case TypeBool, TypeUint8:
		buf[0] = uint8(v.Int)
	case TypeUint32:
		binary.BigEndian.PutUint32(buf, uint32(v.Int))
	case TypeInt32:
		binary.BigEndian.PutUint32(buf, uint32(int32(v.Int)))
	case TypeUint64:
		binary.BigEndian.PutUint64(buf, uint64(v.Int))
	case TypeDouble:
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.Double))
	case TypeVector3D, TypeVector6D:
		if len(v.Vector) != t.vectorLen() {
			return fmt.Errorf("%s needs %d elements, got %d", t, t.vectorLen(), len(v.Vector))
		}
		for i, f := range v.Vector {
			binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(f))
		}
	case TypeVector6Int32, TypeVector6Uint32:
		if len(v.Vector) != t.vectorLen() {
			return fmt.Errorf("%s needs %d elements, got %d", t, t.vectorLen(), len(v.Vector))
		}
		for i, f := range v.Vector {
			if t == TypeVector6Int32 {
				binary.BigEndian.PutUint32(buf[i*4:], uint32(int32(f)))
			} else {
				binary.BigEndian.PutUint32(buf[i*4:], uint32(f))
			}
		}
	default:
		return fmt.Errorf("unsupported type %s", t)
	}
	return nil
}

func getValue(buf []byte, t FieldType) Value {
	v := Value{Type: t}
	switch t {
	case TypeBool, TypeUint8:
		v.Int = int64(buf[0])
	case TypeUint32:
		v.Int = int64(binary.BigEndian.Uint32(buf))
	case TypeInt32:
		v.Int = int64(int32(binary.BigEndian.Uint32(buf)))
	case TypeUint64:
		v.Int = int64(binary.BigEndian.Uint64(buf))
	case TypeDouble:
		v.Double = math.Float64frombits(binary.BigEndian.Uint64(buf))
	case TypeVector3D, TypeVector6D:
		v.Vector = make([]float64, t.vectorLen())
		for i := range v.Vector {
			v.Vector[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[i*8:]))
		}
	case TypeVector6Int32:
		v.Vector = make([]float64, 6)
		for i := range v.Vector {
			v.Vector[i] = float64(int32(binary.BigEndian.Uint32(buf[i*4:])))
		}
	case TypeVector6Uint32:
		v.Vector = make([]float64, 6)
		for i := range v.Vector {
			v.Vector[i] = float64(binary.BigEndian.Uint32(buf[i*4:]))
		}
	}
	return v
}

// ProtocolVersionRequest erstellt Request für 'V'
func ProtocolVersionRequest(version uint16) *Packet {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, version)
	return &Packet{Command: CmdRequestProtocolVersion, Payload: payload}
}

// SetupOutputsRequest erstellt Request für 'O' (protocol v2 with frequency)
func SetupOutputsRequest(frequency float64, names []string) *Packet {
	joined := strings.Join(names, ",")
	payload := make([]byte, 8+len(joined))
	binary.BigEndian.PutUint64(payload[0:8], math.Float64bits(frequency))
	copy(payload[8:], joined)
	return &Packet{Command: CmdSetupOutputs, Payload: payload}
}

// SetupInputsRequest erstellt Request für 'I'
func SetupInputsRequest(names []string) *Packet {
	return &Packet{Command: CmdSetupInputs, Payload: []byte(strings.Join(names, ","))}
}

// ParseAccepted reads the single accepted byte of V/S/P replies.
func (p *Packet) ParseAccepted() (bool, error) {
	if len(p.Payload) < 1 {
		return false, fmt.Errorf("reply to %q too short", rune(p.Command))
	}
	return p.Payload[0] == 1, nil
}

// ParseSetupReply reads the recipe ID and type list of O/I replies.
func (p *Packet) ParseSetupReply(names []string) (*Recipe, error) {
	if len(p.Payload) < 1 {
		return nil, fmt.Errorf("setup reply too short")
	}

	recipe := &Recipe{ID: p.Payload[0], Names: names}
	raw := strings.Split(string(p.Payload[1:]), ",")
	if len(raw) != len(names) {
		return nil, fmt.Errorf("setup reply has %d types for %d fields", len(raw), len(names))
	}

	for i, s := range raw {
		t := FieldType(s)
		switch t {
		case TypeNotFound, TypeInUse:
			return nil, fmt.Errorf("variable %s: %s", names[i], t)
		}
		if t.Size() == 0 {
			return nil, fmt.Errorf("variable %s: unknown type %q", names[i], s)
		}
		recipe.Types = append(recipe.Types, t)
	}

	return recipe, nil
}

// ControllerVersion is the reply to 'v'.
type ControllerVersion struct {
	Major  uint32
	Minor  uint32
	Bugfix uint32
	Build  uint32
}

func (v ControllerVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Bugfix, v.Build)
}

func (p *Packet) ParseControllerVersion() (ControllerVersion, error) {
	if len(p.Payload) < 16 {
		return ControllerVersion{}, fmt.Errorf("controller version reply too short: %d bytes", len(p.Payload))
	}
	return ControllerVersion{
		Major:  binary.BigEndian.Uint32(p.Payload[0:4]),
		Minor:  binary.BigEndian.Uint32(p.Payload[4:8]),
		Bugfix: binary.BigEndian.Uint32(p.Payload[8:12]),
		Build:  binary.BigEndian.Uint32(p.Payload[12:16]),
	}, nil
}

// TextMessage is an out-of-band controller message ('M', protocol v2).
type TextMessage struct {
	Message string
	Source  string
	Level   uint8
}

func (p *Packet) ParseTextMessage() (TextMessage, error) {
	b := p.Payload
	if len(b) < 1 || len(b) < 1+int(b[0])+1 {
		return TextMessage{}, fmt.Errorf("text message too short")
	}
	msgLen := int(b[0])
	msg := string(b[1 : 1+msgLen])
	b = b[1+msgLen:]
	srcLen := int(b[0])
	if len(b) < 1+srcLen+1 {
		return TextMessage{}, fmt.Errorf("text message too short")
	}
	return TextMessage{Message: msg, Source: string(b[1 : 1+srcLen]), Level: b[1+srcLen]}, nil
}

// EncodeTextMessage builds an 'M' packet.
func EncodeTextMessage(m TextMessage) *Packet {
	payload := make([]byte, 0, 3+len(m.Message)+len(m.Source))
	payload = append(payload, uint8(len(m.Message)))
	payload = append(payload, m.Message...)
	payload = append(payload, uint8(len(m.Source)))
	payload = append(payload, m.Source...)
	payload = append(payload, m.Level)
	return &Packet{Command: CmdTextMessage, Payload: payload}
}
