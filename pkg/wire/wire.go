// Package wire implements the controller's bespoke length-prefixed binary
// protocol, deliberately not gRPC/protobuf: every connection
// exchanges one framed message with a fixed header followed by a
// type-specific, little-endian-packed body. Framing lives directly over
// net.Conn: read the fixed header, then read body_length bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion is the current wire version. A mismatch on an inbound
// header is rejected with ctlerrors.ProtocolVersionMismatch by the
// dispatcher.
const ProtocolVersion uint16 = 1

// Opcode identifies the message body's meaning. Stable on the wire; never
// renumber an existing opcode.
type Opcode uint16

const (
	OpPing Opcode = iota + 1
	OpBuildInfo
	OpJobInfo
	OpJobInfoSingle
	OpNodeInfo
	OpPartitionInfo
	OpSubmitBatchJob
	OpAllocateResources
	OpJobWillRun
	OpCancelJobStep
	OpCompleteJobAllocation
	OpCompleteBatchScript
	OpJobStepCreate
	OpEpilogComplete
	OpStepComplete
	OpUpdateJob
	OpUpdateNode
	OpUpdatePartition
	OpReconfigure
	OpShutdown
	OpControl
	OpTakeover
	OpControlStatus
	OpConfig
)

// Flag bits carried in the header.
type Flag uint16

const (
	FlagNone       Flag = 0
	FlagNoResponse Flag = 1 << 0
)

// Forward describes fanout of a message to a subtree of worker daemons
//, used by the agent/tree-width RPC
// fanout; the core dispatcher itself only ever sees Count==0.
type Forward struct {
	Count     uint16
	List      string
	Timeout   uint32
	TreeWidth uint16
}

// Header is the prefix of every framed message, in this fixed field order:
// version, flags, msg_type, body_length, forward struct, auth_cred.
type Header struct {
	Version    uint16
	Flags      Flag
	MsgType    Opcode
	BodyLength uint32
	Forward    Forward
	AuthCred   []byte
}

// WriteMessage frames and writes opcode+body+authCred to w as a single
// message: header followed by the raw body bytes. The caller has already
// serialised body with the type-specific packer for opcode.
func WriteMessage(w io.Writer, opcode Opcode, flags Flag, authCred []byte, body []byte) error {
	h := Header{
		Version:    ProtocolVersion,
		Flags:      flags,
		MsgType:    opcode,
		BodyLength: uint32(len(body)),
		AuthCred:   authCred,
	}
	if err := writeHeader(w, h); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func writeHeader(w io.Writer, h Header) error {
	if err := binary.Write(w, binary.LittleEndian, h.Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(h.Flags)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(h.MsgType)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.BodyLength); err != nil {
		return err
	}
	if err := writeForward(w, h.Forward); err != nil {
		return err
	}
	return writeBytes(w, h.AuthCred)
}

func writeForward(w io.Writer, f Forward) error {
	if err := binary.Write(w, binary.LittleEndian, f.Count); err != nil {
		return err
	}
	if err := writeString(w, f.List); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, f.Timeout); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, f.TreeWidth)
}

func readForward(r io.Reader) (Forward, error) {
	var f Forward
	if err := binary.Read(r, binary.LittleEndian, &f.Count); err != nil {
		return f, err
	}
	list, err := readString(r)
	if err != nil {
		return f, err
	}
	f.List = list
	if err := binary.Read(r, binary.LittleEndian, &f.Timeout); err != nil {
		return f, err
	}
	if err := binary.Read(r, binary.LittleEndian, &f.TreeWidth); err != nil {
		return f, err
	}
	return f, nil
}

// ReadMessage reads one framed message from r: the fixed header, then
// exactly BodyLength bytes of body.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return h, nil, err
	}
	var flags, msgType uint16
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return h, nil, err
	}
	h.Flags = Flag(flags)
	if err := binary.Read(r, binary.LittleEndian, &msgType); err != nil {
		return h, nil, err
	}
	h.MsgType = Opcode(msgType)
	if err := binary.Read(r, binary.LittleEndian, &h.BodyLength); err != nil {
		return h, nil, err
	}
	fwd, err := readForward(r)
	if err != nil {
		return h, nil, err
	}
	h.Forward = fwd
	cred, err := readBytes(r)
	if err != nil {
		return h, nil, err
	}
	h.AuthCred = cred

	if h.Version != ProtocolVersion {
		return h, nil, fmt.Errorf("wire: protocol version mismatch: got %d want %d", h.Version, ProtocolVersion)
	}

	body := make([]byte, h.BodyLength)
	if h.BodyLength > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return h, nil, err
		}
	}
	return h, body, nil
}

// --- body-level primitives: length-prefixed strings/byte arrays ---

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// WriteString/ReadString/WriteStringList/ReadStringList are
// exported so opcode body encoders in pkg/rpc can reuse the same
// primitives as the header.
func WriteString(w io.Writer, s string) error { return writeString(w, s) }
func ReadString(r io.Reader) (string, error)   { return readString(r) }

func WriteStringList(w io.Writer, list []string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(list))); err != nil {
		return err
	}
	for _, s := range list {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func ReadStringList(r io.Reader) ([]string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ControlStatusBody is the body of the standby-initiated control-status
// ping: a 64-bit control_time and a 16-bit backup_inx.
type ControlStatusBody struct {
	ControlTime uint64
	BackupInx   uint16
}

func WriteControlStatusBody(w io.Writer, b ControlStatusBody) error {
	if err := binary.Write(w, binary.LittleEndian, b.ControlTime); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, b.BackupInx)
}

func ReadControlStatusBody(r io.Reader) (ControlStatusBody, error) {
	var b ControlStatusBody
	if err := binary.Read(r, binary.LittleEndian, &b.ControlTime); err != nil {
		return b, err
	}
	if err := binary.Read(r, binary.LittleEndian, &b.BackupInx); err != nil {
		return b, err
	}
	return b, nil
}
