package netbios

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	headerLength = 12

	// maxDatagramSize bounds both the send buffer and received datagrams.
	maxDatagramSize = 576

	opQuery byte = 0

	recordTypeNB     uint16 = 0x0020
	recordTypeNBSTAT uint16 = 0x0021
	classIN          uint16 = 0x0001

	// Top two bits of a label length byte mark a compression pointer.
	pointerMask byte = 0xC0
)

// Negative response codes.
const (
	rcodeFormatError  byte = 0x1
	rcodeServerError  byte = 0x2
	rcodeNameError    byte = 0x3
	rcodeNotSupported byte = 0x4
	rcodeRefused      byte = 0x5
	rcodeActiveError  byte = 0x6
	rcodeConflict     byte = 0x7
)

func rcodeString(rcode byte) string {
	switch rcode {
	case 0:
		return "success"
	case rcodeFormatError:
		return "format error"
	case rcodeServerError:
		return "server failure"
	case rcodeNameError:
		return "name not found"
	case rcodeNotSupported:
		return "unsupported request"
	case rcodeRefused:
		return "refused"
	case rcodeActiveError:
		return "name is owned by another node"
	case rcodeConflict:
		return "name in conflict"
	default:
		return fmt.Sprintf("rcode %d", rcode)
	}
}

// header is the fixed 12 byte name service packet header.
type header struct {
	trnID              uint16
	isResponse         bool
	opcode             byte
	authoritative      bool
	truncated          bool
	recursionDesired   bool
	recursionAvailable bool
	broadcast          bool
	rcode              byte

	questionCount   uint16
	answerCount     uint16
	authorityCount  uint16
	additionalCount uint16
}

func (h *header) appendWire(b []byte) []byte {
	var flags0, flags1 byte
	if h.isResponse {
		flags0 |= 0x80
	}
	flags0 |= (h.opcode << 3) & 0x78
	if h.authoritative {
		flags0 |= 0x04
	}
	if h.truncated {
		flags0 |= 0x02
	}
	if h.recursionDesired {
		flags0 |= 0x01
	}
	if h.recursionAvailable {
		flags1 |= 0x80
	}
	if h.broadcast {
		flags1 |= 0x10
	}
	flags1 |= h.rcode & 0x0F

	b = binary.BigEndian.AppendUint16(b, h.trnID)
	b = append(b, flags0, flags1)
	b = binary.BigEndian.AppendUint16(b, h.questionCount)
	b = binary.BigEndian.AppendUint16(b, h.answerCount)
	b = binary.BigEndian.AppendUint16(b, h.authorityCount)
	return binary.BigEndian.AppendUint16(b, h.additionalCount)
}

func (h *header) readWire(src []byte) error {
	if len(src) < headerLength {
		return fmt.Errorf("%w: header needs %d bytes, have %d", ErrMalformedPacket, headerLength, len(src))
	}
	h.trnID = binary.BigEndian.Uint16(src[0:2])
	h.isResponse = src[2]&0x80 != 0
	h.opcode = (src[2] & 0x78) >> 3
	h.authoritative = src[2]&0x04 != 0
	h.truncated = src[2]&0x02 != 0
	h.recursionDesired = src[2]&0x01 != 0
	h.recursionAvailable = src[3]&0x80 != 0
	h.broadcast = src[3]&0x10 != 0
	h.rcode = src[3] & 0x0F
	h.questionCount = binary.BigEndian.Uint16(src[4:6])
	h.answerCount = binary.BigEndian.Uint16(src[6:8])
	h.authorityCount = binary.BigEndian.Uint16(src[8:10])
	h.additionalCount = binary.BigEndian.Uint16(src[10:12])
	return nil
}

// readTrnID returns the transaction id of a raw datagram and whether the
// datagram is a response.
func readTrnID(src []byte) (uint16, bool, bool) {
	if len(src) < headerLength {
		return 0, false, false
	}
	return binary.BigEndian.Uint16(src[0:2]), src[2]&0x80 != 0, true
}

func appendQuestion(b []byte, name Name, qtype uint16) []byte {
	b = name.AppendWire(b)
	b = binary.BigEndian.AppendUint16(b, qtype)
	return binary.BigEndian.AppendUint16(b, classIN)
}

// skipQuestion returns the length of the question section at the start of src.
func skipQuestion(src []byte) (int, error) {
	_, n, err := DecodeName(src)
	if err != nil {
		return 0, err
	}
	if len(src) < n+4 {
		return 0, fmt.Errorf("%w: truncated question", ErrMalformedPacket)
	}
	return n + 4, nil
}

// resourceRecord is a decoded resource record. rdata aliases the datagram.
type resourceRecord struct {
	name  Name
	rtype uint16
	class uint16
	ttl   uint32
	rdata []byte
}

// appendResourceRecord writes a record. When the record name matches
// question, a pointer to offset 12 replaces the encoded name.
func appendResourceRecord(b []byte, rr resourceRecord, question *Name) []byte {
	if question != nil && rr.name.withoutSource() == question.withoutSource() {
		b = append(b, pointerMask, headerLength)
	} else {
		b = rr.name.AppendWire(b)
	}
	b = binary.BigEndian.AppendUint16(b, rr.rtype)
	b = binary.BigEndian.AppendUint16(b, rr.class)
	b = binary.BigEndian.AppendUint32(b, rr.ttl)
	b = binary.BigEndian.AppendUint16(b, uint16(len(rr.rdata)))
	return append(b, rr.rdata...)
}

// readResourceRecord decodes one record from the start of src. A compression
// pointer resolves to question, the only name a packet can point at.
func readResourceRecord(src []byte, question Name) (resourceRecord, int, error) {
	var rr resourceRecord
	if len(src) == 0 {
		return rr, 0, fmt.Errorf("%w: missing resource record", ErrMalformedPacket)
	}

	off := 0
	if src[0]&pointerMask == pointerMask {
		if len(src) < 2 {
			return rr, 0, fmt.Errorf("%w: truncated name pointer", ErrMalformedPacket)
		}
		rr.name = question
		off = 2
	} else {
		name, n, err := DecodeName(src)
		if err != nil {
			return rr, 0, err
		}
		rr.name = name
		off = n
	}

	if len(src) < off+10 {
		return rr, 0, fmt.Errorf("%w: truncated resource record", ErrMalformedPacket)
	}
	rr.rtype = binary.BigEndian.Uint16(src[off:])
	rr.class = binary.BigEndian.Uint16(src[off+2:])
	rr.ttl = binary.BigEndian.Uint32(src[off+4:])
	rdlength := int(binary.BigEndian.Uint16(src[off+8:]))
	off += 10
	if len(src) < off+rdlength {
		return rr, 0, fmt.Errorf("%w: rdata length %d exceeds datagram", ErrMalformedPacket, rdlength)
	}
	rr.rdata = src[off : off+rdlength]
	return rr, off + rdlength, nil
}

// request is an outgoing name service query.
type request interface {
	questionType() uint16
	questionName() Name
	destination() *net.UDPAddr
	setDestination(addr *net.UDPAddr, broadcast bool)
	appendWire(b []byte, trnID uint16) []byte
	String() string
}

// response receives the decoded answer to a request. readWire is called by
// the receiver with the pending entry's lock held and must reset any state
// left by an earlier datagram.
type response interface {
	readWire(src []byte) error
	recordType() uint16
	resultCode() byte
}

// decodeAnswer reads the header, skips any echoed questions and returns the
// first answer record. ok is false when the packet carries no answer.
func decodeAnswer(src []byte, question Name, h *header) (rr resourceRecord, ok bool, err error) {
	if err := h.readWire(src); err != nil {
		return rr, false, err
	}
	off := headerLength
	for i := 0; i < int(h.questionCount); i++ {
		n, err := skipQuestion(src[off:])
		if err != nil {
			return rr, false, err
		}
		off += n
	}
	if h.answerCount == 0 {
		return rr, false, nil
	}
	rr, _, err = readResourceRecord(src[off:], question)
	if err != nil {
		return rr, false, err
	}
	return rr, true, nil
}
