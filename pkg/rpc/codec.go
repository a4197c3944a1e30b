package rpc

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cuemby/ctld/pkg/ctlerrors"
	"github.com/cuemby/ctld/pkg/wire"
)

// Every reply body starts with the stable ctlerrors.Code and an
// operator-facing message, then any opcode-specific payload; every reply
// carries exactly one code from the flat error taxonomy.
func writeReplyHeader(w io.Writer, code ctlerrors.Code, msg string) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(code)); err != nil {
		return err
	}
	return wire.WriteString(w, msg)
}

func readReplyHeader(r io.Reader) (ctlerrors.Code, string, error) {
	var code uint16
	if err := binary.Read(r, binary.LittleEndian, &code); err != nil {
		return 0, "", err
	}
	msg, err := wire.ReadString(r)
	return ctlerrors.Code(code), msg, err
}

func writeInt32(w io.Writer, v int32) error  { return binary.Write(w, binary.LittleEndian, v) }
func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeInt64(w io.Writer, v int64) error { return binary.Write(w, binary.LittleEndian, v) }
func readInt64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeBool(w io.Writer, v bool) error {
	var b byte
	if v {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// jobSummary is the wire projection of types.Job returned by job-info and
// job-info-single, filtered per the caller's private_data visibility.
type jobSummary struct {
	ID         int32
	UID        int32
	State      string
	Partition  string
	NodeCount  int32
	ReqCPUs    int32
	TimeLimitS int32
	SubmitUnix int64
	StartUnix  int64
}

func writeJobSummary(w io.Writer, j jobSummary) error {
	if err := writeInt32(w, j.ID); err != nil {
		return err
	}
	if err := writeInt32(w, j.UID); err != nil {
		return err
	}
	if err := wire.WriteString(w, j.State); err != nil {
		return err
	}
	if err := wire.WriteString(w, j.Partition); err != nil {
		return err
	}
	if err := writeInt32(w, j.NodeCount); err != nil {
		return err
	}
	if err := writeInt32(w, j.ReqCPUs); err != nil {
		return err
	}
	if err := writeInt32(w, j.TimeLimitS); err != nil {
		return err
	}
	if err := writeInt64(w, j.SubmitUnix); err != nil {
		return err
	}
	return writeInt64(w, j.StartUnix)
}

func readJobSummary(r io.Reader) (jobSummary, error) {
	var j jobSummary
	var err error
	if j.ID, err = readInt32(r); err != nil {
		return j, err
	}
	if j.UID, err = readInt32(r); err != nil {
		return j, err
	}
	if j.State, err = wire.ReadString(r); err != nil {
		return j, err
	}
	if j.Partition, err = wire.ReadString(r); err != nil {
		return j, err
	}
	if j.NodeCount, err = readInt32(r); err != nil {
		return j, err
	}
	if j.ReqCPUs, err = readInt32(r); err != nil {
		return j, err
	}
	if j.TimeLimitS, err = readInt32(r); err != nil {
		return j, err
	}
	if j.SubmitUnix, err = readInt64(r); err != nil {
		return j, err
	}
	j.StartUnix, err = readInt64(r)
	return j, err
}

func writeJobSummaries(w io.Writer, jobs []jobSummary) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(jobs))); err != nil {
		return err
	}
	for _, j := range jobs {
		if err := writeJobSummary(w, j); err != nil {
			return err
		}
	}
	return nil
}

func readJobSummaries(r io.Reader) ([]jobSummary, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]jobSummary, 0, n)
	for i := uint32(0); i < n; i++ {
		j, err := readJobSummary(r)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// nodeSummary is the wire projection of types.Node returned by node-info.
type nodeSummary struct {
	Name       string
	CommName   string
	BaseState  string
	CPUsConfig int32
	CPUsReport int32
	Flags      int32
	RunJobCnt  int32
}

func writeNodeSummary(w io.Writer, n nodeSummary) error {
	if err := wire.WriteString(w, n.Name); err != nil {
		return err
	}
	if err := wire.WriteString(w, n.CommName); err != nil {
		return err
	}
	if err := wire.WriteString(w, n.BaseState); err != nil {
		return err
	}
	if err := writeInt32(w, n.CPUsConfig); err != nil {
		return err
	}
	if err := writeInt32(w, n.CPUsReport); err != nil {
		return err
	}
	if err := writeInt32(w, n.Flags); err != nil {
		return err
	}
	return writeInt32(w, n.RunJobCnt)
}

func readNodeSummary(r io.Reader) (nodeSummary, error) {
	var n nodeSummary
	var err error
	if n.Name, err = wire.ReadString(r); err != nil {
		return n, err
	}
	if n.CommName, err = wire.ReadString(r); err != nil {
		return n, err
	}
	if n.BaseState, err = wire.ReadString(r); err != nil {
		return n, err
	}
	if n.CPUsConfig, err = readInt32(r); err != nil {
		return n, err
	}
	if n.CPUsReport, err = readInt32(r); err != nil {
		return n, err
	}
	if n.Flags, err = readInt32(r); err != nil {
		return n, err
	}
	n.RunJobCnt, err = readInt32(r)
	return n, err
}

func writeNodeSummaries(w io.Writer, nodes []nodeSummary) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(nodes))); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := writeNodeSummary(w, n); err != nil {
			return err
		}
	}
	return nil
}

func readNodeSummaries(r io.Reader) ([]nodeSummary, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	out := make([]nodeSummary, 0, count)
	for i := uint32(0); i < count; i++ {
		n, err := readNodeSummary(r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// partitionSummary is the wire projection of types.Partition returned by
// partition-info.
type partitionSummary struct {
	Name       string
	Up         bool
	Default    bool
	TotalNodes int32
	TotalCPUs  int32
}

func writePartitionSummary(w io.Writer, p partitionSummary) error {
	if err := wire.WriteString(w, p.Name); err != nil {
		return err
	}
	if err := writeBool(w, p.Up); err != nil {
		return err
	}
	if err := writeBool(w, p.Default); err != nil {
		return err
	}
	if err := writeInt32(w, p.TotalNodes); err != nil {
		return err
	}
	return writeInt32(w, p.TotalCPUs)
}

func readPartitionSummary(r io.Reader) (partitionSummary, error) {
	var p partitionSummary
	var err error
	if p.Name, err = wire.ReadString(r); err != nil {
		return p, err
	}
	if p.Up, err = readBool(r); err != nil {
		return p, err
	}
	if p.Default, err = readBool(r); err != nil {
		return p, err
	}
	if p.TotalNodes, err = readInt32(r); err != nil {
		return p, err
	}
	p.TotalCPUs, err = readInt32(r)
	return p, err
}

func writePartitionSummaries(w io.Writer, parts []partitionSummary) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(parts))); err != nil {
		return err
	}
	for _, p := range parts {
		if err := writePartitionSummary(w, p); err != nil {
			return err
		}
	}
	return nil
}

func readPartitionSummaries(r io.Reader) ([]partitionSummary, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	out := make([]partitionSummary, 0, count)
	for i := uint32(0); i < count; i++ {
		p, err := readPartitionSummary(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// buf is a tiny convenience constructor so handlers can build a body with a
// chain of writes and hand back bytes in one line.
func buf() *bytes.Buffer { return &bytes.Buffer{} }
