package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// frame is the RPC body carried inside a crypto.Envelope, correlating
// requests and answers by the operation id the processor assigns.
// Responses with unknown ids are dropped.
type frame struct {
	ID        uint64
	IsAnswer  bool
	IsError   bool
	ErrorKind uint8
	Op        Operation
	Payload   []byte
}

func encodeFrame(f frame) []byte {
	var buf bytes.Buffer
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], f.ID)
	buf.Write(idBytes[:])
	flags := byte(0)
	if f.IsAnswer {
		flags |= 1
	}
	if f.IsError {
		flags |= 2
	}
	buf.WriteByte(flags)
	buf.WriteByte(f.ErrorKind)
	buf.WriteByte(byte(f.Op))
	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(f.Payload)))
	buf.Write(plen[:])
	buf.Write(f.Payload)
	return buf.Bytes()
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	r := bytes.NewReader(data)
	var idBytes [8]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return f, err
	}
	f.ID = binary.BigEndian.Uint64(idBytes[:])
	flags, err := r.ReadByte()
	if err != nil {
		return f, err
	}
	f.IsAnswer = flags&1 != 0
	f.IsError = flags&2 != 0
	if f.ErrorKind, err = r.ReadByte(); err != nil {
		return f, err
	}
	opByte, err := r.ReadByte()
	if err != nil {
		return f, err
	}
	f.Op = Operation(opByte)
	var plen [4]byte
	if _, err := io.ReadFull(r, plen[:]); err != nil {
		return f, err
	}
	n := binary.BigEndian.Uint32(plen[:])
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return f, err
		}
	}
	if r.Len() != 0 {
		return f, errors.New("rpc: trailing bytes after frame")
	}
	return f, nil
}
