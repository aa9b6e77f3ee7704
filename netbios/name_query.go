package netbios

import (
	"encoding/binary"
	"fmt"
	"net"
)

const nameQueryEntryLength = 6

type nameQueryRequest struct {
	name      Name
	dst       *net.UDPAddr
	broadcast bool
}

func newNameQueryRequest(name Name) *nameQueryRequest {
	return &nameQueryRequest{name: name, broadcast: true}
}

func (r *nameQueryRequest) questionType() uint16      { return recordTypeNB }
func (r *nameQueryRequest) questionName() Name        { return r.name }
func (r *nameQueryRequest) destination() *net.UDPAddr { return r.dst }

func (r *nameQueryRequest) setDestination(addr *net.UDPAddr, broadcast bool) {
	r.dst = addr
	r.broadcast = broadcast
}

func (r *nameQueryRequest) appendWire(b []byte, trnID uint16) []byte {
	h := header{
		trnID:            trnID,
		opcode:           opQuery,
		recursionDesired: true,
		broadcast:        r.broadcast,
		questionCount:    1,
	}
	b = h.appendWire(b)
	return appendQuestion(b, r.name, recordTypeNB)
}

func (r *nameQueryRequest) String() string {
	return fmt.Sprintf("NameQueryRequest[name=%s,dst=%v,broadcast=%t]", r.name, r.dst, r.broadcast)
}

// nameQueryResponse decodes NB answers into one Address per non-zero entry.
type nameQueryResponse struct {
	client   *Client
	question Name

	hdr   header
	rtype uint16
	addrs []*Address
}

func newNameQueryResponse(c *Client, question Name) *nameQueryResponse {
	return &nameQueryResponse{client: c, question: question}
}

func (r *nameQueryResponse) recordType() uint16 { return r.rtype }
func (r *nameQueryResponse) resultCode() byte   { return r.hdr.rcode }

func (r *nameQueryResponse) readWire(src []byte) error {
	r.hdr = header{}
	r.rtype = 0
	r.addrs = nil

	rr, ok, err := decodeAnswer(src, r.question, &r.hdr)
	if err != nil || !ok {
		return err
	}
	r.rtype = rr.rtype
	if r.hdr.rcode != 0 || r.hdr.opcode != opQuery || rr.rtype != recordTypeNB {
		return nil
	}
	if len(rr.rdata)%nameQueryEntryLength != 0 {
		return fmt.Errorf("%w: NB rdata length %d is not a multiple of %d",
			ErrMalformedPacket, len(rr.rdata), nameQueryEntryLength)
	}

	for off := 0; off < len(rr.rdata); off += nameQueryEntryLength {
		flags := rr.rdata[off]
		ip := binary.BigEndian.Uint32(rr.rdata[off+2:])
		if ip == 0 {
			continue
		}
		a := newAddress(r.client, rr.name, ip)
		a.group = flags&0x80 != 0
		a.nodeType = NodeType((flags & 0x60) >> 5)
		r.addrs = append(r.addrs, a)
	}
	return nil
}

// answered reports whether the response carries a positive answer.
func (r *nameQueryResponse) answered() bool {
	return r.hdr.rcode == 0 && len(r.addrs) > 0
}
