package routespec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/drep-project/overlay/p2p/types"
)

// encodeDialInfo renders a DialInfo for inclusion in an onion hop layer.
// Only routespec needs dial info on the wire (every other component routes
// by node id through the routing table), so the codec lives here rather
// than in package types.
func encodeDialInfo(di types.DialInfo) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(di.Protocol))
	ip4 := di.Address.To4()
	if ip4 != nil {
		buf.WriteByte(4)
		buf.Write(ip4)
	} else {
		buf.WriteByte(16)
		buf.Write(di.Address.To16())
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], di.Port)
	buf.Write(port[:])
	writeString(&buf, di.URL)
	writeString(&buf, di.Path)
	return buf.Bytes()
}

func decodeDialInfo(r *bytes.Reader) (types.DialInfo, error) {
	var di types.DialInfo
	protoByte, err := r.ReadByte()
	if err != nil {
		return di, err
	}
	di.Protocol = types.Protocol(protoByte)
	addrLenByte, err := r.ReadByte()
	if err != nil {
		return di, err
	}
	addr := make([]byte, addrLenByte)
	if _, err := io.ReadFull(r, addr); err != nil {
		return di, err
	}
	di.Address = net.IP(addr)
	var portBytes [2]byte
	if _, err := io.ReadFull(r, portBytes[:]); err != nil {
		return di, err
	}
	di.Port = binary.BigEndian.Uint16(portBytes[:])
	if di.URL, err = readString(r); err != nil {
		return di, err
	}
	if di.Path, err = readString(r); err != nil {
		return di, err
	}
	return di, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(l[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

// encodeHopLayer lays out one onion layer: the AEAD nonce and sealed blob
// for this hop, plus the next hop's dial info (absent at the terminal
// hop).
func encodeHopLayer(nonce, sealed []byte, next *types.DialInfo) []byte {
	var buf bytes.Buffer
	var nl [2]byte
	binary.BigEndian.PutUint16(nl[:], uint16(len(nonce)))
	buf.Write(nl[:])
	buf.Write(nonce)
	var sl [4]byte
	binary.BigEndian.PutUint32(sl[:], uint32(len(sealed)))
	buf.Write(sl[:])
	buf.Write(sealed)
	if next == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		buf.Write(encodeDialInfo(*next))
	}
	return buf.Bytes()
}

// encodeRoutedPayload frames the operation data that rides beside a private
// route inside a compiled safety blob: the sender's per-message DH public
// key, the AEAD nonce, and the sealed body.
func encodeRoutedPayload(ephDH, nonce, sealed []byte) []byte {
	var buf bytes.Buffer
	var kl [2]byte
	binary.BigEndian.PutUint16(kl[:], uint16(len(ephDH)))
	buf.Write(kl[:])
	buf.Write(ephDH)
	var nl [2]byte
	binary.BigEndian.PutUint16(nl[:], uint16(len(nonce)))
	buf.Write(nl[:])
	buf.Write(nonce)
	var sl [4]byte
	binary.BigEndian.PutUint32(sl[:], uint32(len(sealed)))
	buf.Write(sl[:])
	buf.Write(sealed)
	return buf.Bytes()
}

func decodeRoutedPayload(data []byte) (ephDH, nonce, sealed []byte, err error) {
	r := bytes.NewReader(data)
	var kl [2]byte
	if _, err = io.ReadFull(r, kl[:]); err != nil {
		return
	}
	ephDH = make([]byte, binary.BigEndian.Uint16(kl[:]))
	if _, err = io.ReadFull(r, ephDH); err != nil {
		return
	}
	var nl [2]byte
	if _, err = io.ReadFull(r, nl[:]); err != nil {
		return
	}
	nonce = make([]byte, binary.BigEndian.Uint16(nl[:]))
	if _, err = io.ReadFull(r, nonce); err != nil {
		return
	}
	var sl [4]byte
	if _, err = io.ReadFull(r, sl[:]); err != nil {
		return
	}
	sealed = make([]byte, binary.BigEndian.Uint32(sl[:]))
	if len(sealed) > 0 {
		if _, err = io.ReadFull(r, sealed); err != nil {
			return
		}
	}
	return
}

func decodeHopLayer(data []byte) (nonce, sealed []byte, next *types.DialInfo, err error) {
	r := bytes.NewReader(data)
	var nl [2]byte
	if _, err = io.ReadFull(r, nl[:]); err != nil {
		return
	}
	nonce = make([]byte, binary.BigEndian.Uint16(nl[:]))
	if len(nonce) > 0 {
		if _, err = io.ReadFull(r, nonce); err != nil {
			return
		}
	}
	var sl [4]byte
	if _, err = io.ReadFull(r, sl[:]); err != nil {
		return
	}
	sealed = make([]byte, binary.BigEndian.Uint32(sl[:]))
	if len(sealed) > 0 {
		if _, err = io.ReadFull(r, sealed); err != nil {
			return
		}
	}
	hasNext, herr := r.ReadByte()
	if herr != nil {
		err = herr
		return
	}
	if hasNext == 1 {
		di, derr := decodeDialInfo(r)
		if derr != nil {
			err = derr
			return
		}
		next = &di
	} else if hasNext != 0 {
		err = errors.New("routespec: malformed hop layer")
	}
	return
}
