package netbios

import (
	"fmt"
	"net"
)

const (
	nodeStatusEntryLength = 18
	macAddressLength      = 6
)

// Node status name flags.
const (
	flagGroup        byte = 0x80
	flagOwnerType    byte = 0x60
	flagDeregistered byte = 0x10
	flagConflict     byte = 0x08
	flagActive       byte = 0x04
	flagPermanent    byte = 0x02
)

type nodeStatusRequest struct {
	name Name
	dst  *net.UDPAddr
}

func newNodeStatusRequest(name Name) *nodeStatusRequest {
	return &nodeStatusRequest{name: name}
}

func (r *nodeStatusRequest) questionType() uint16      { return recordTypeNBSTAT }
func (r *nodeStatusRequest) questionName() Name        { return r.name }
func (r *nodeStatusRequest) destination() *net.UDPAddr { return r.dst }

func (r *nodeStatusRequest) setDestination(addr *net.UDPAddr, _ bool) {
	r.dst = addr
}

func (r *nodeStatusRequest) appendWire(b []byte, trnID uint16) []byte {
	h := header{
		trnID:         trnID,
		opcode:        opQuery,
		questionCount: 1,
	}
	b = h.appendWire(b)
	// Node status questions always carry type 0x00.
	q := r.name
	q.HexCode = 0x00
	return appendQuestion(b, q, recordTypeNBSTAT)
}

func (r *nodeStatusRequest) String() string {
	return fmt.Sprintf("NodeStatusRequest[name=%s,dst=%v]", r.name, r.dst)
}

// nodeStatusEntry is one decoded entry of a node name array.
type nodeStatusEntry struct {
	name         string
	hexCode      byte
	group        bool
	nodeType     NodeType
	beingDeleted bool
	inConflict   bool
	active       bool
	permanent    bool
}

func decodeNodeStatusEntry(src []byte) nodeStatusEntry {
	end := maxNameLength
	for end > 0 && (src[end-1] == ' ' || src[end-1] == 0x00) {
		end--
	}
	flags := src[16]
	return nodeStatusEntry{
		name:         string(src[:end]),
		hexCode:      src[15],
		group:        flags&flagGroup != 0,
		nodeType:     NodeType((flags & flagOwnerType) >> 5),
		beingDeleted: flags&flagDeregistered != 0,
		inConflict:   flags&flagConflict != 0,
		active:       flags&flagActive != 0,
		permanent:    flags&flagPermanent != 0,
	}
}

// nodeStatusResponse decodes a node name array. The entry that names the
// queried host updates query in place; every other entry becomes a new
// Address for the same IP sharing the decoded MAC address.
//
// Real servers do not always set the group and activity flags reliably, so
// callers treat them as reported rather than authoritative.
type nodeStatusResponse struct {
	client   *Client
	question Name
	query    *Address

	hdr   header
	rtype uint16
	mac   net.HardwareAddr
	stats []byte
	addrs []*Address
}

func newNodeStatusResponse(c *Client, question Name, query *Address) *nodeStatusResponse {
	return &nodeStatusResponse{client: c, question: question, query: query}
}

func (r *nodeStatusResponse) recordType() uint16 { return r.rtype }
func (r *nodeStatusResponse) resultCode() byte   { return r.hdr.rcode }

func (r *nodeStatusResponse) readWire(src []byte) error {
	r.hdr = header{}
	r.rtype = 0
	r.mac = nil
	r.stats = nil
	r.addrs = nil

	rr, ok, err := decodeAnswer(src, r.question, &r.hdr)
	if err != nil || !ok {
		return err
	}
	r.rtype = rr.rtype
	if r.hdr.rcode != 0 || r.hdr.opcode != opQuery || rr.rtype != recordTypeNBSTAT {
		return nil
	}

	rdata := rr.rdata
	if len(rdata) < 1 {
		return fmt.Errorf("%w: empty node status rdata", ErrMalformedPacket)
	}
	count := int(rdata[0])
	namesEnd := 1 + count*nodeStatusEntryLength
	if len(rdata) < namesEnd+macAddressLength {
		return fmt.Errorf("%w: node status with %d names needs %d bytes, have %d",
			ErrMalformedPacket, count, namesEnd+macAddressLength, len(rdata))
	}

	entries := make([]nodeStatusEntry, count)
	for i := range entries {
		off := 1 + i*nodeStatusEntryLength
		entries[i] = decodeNodeStatusEntry(rdata[off : off+nodeStatusEntryLength])
	}
	r.mac = append(net.HardwareAddr(nil), rdata[namesEnd:namesEnd+macAddressLength]...)
	r.stats = append([]byte(nil), rdata[namesEnd+macAddressLength:]...)

	scope := rr.name.Scope
	matched := false
	r.addrs = make([]*Address, 0, count)
	for _, e := range entries {
		if !matched && r.query.matchesNodeStatus(e) {
			r.query.absorbNodeStatus(e, scope, r.mac)
			matched = true
			r.addrs = append(r.addrs, r.query)
			continue
		}
		a := newAddress(r.client, Name{Name: e.name, HexCode: e.hexCode, Scope: scope}, r.query.ipValue())
		a.applyNodeStatus(e, r.mac)
		r.addrs = append(r.addrs, a)
	}
	return nil
}

func (r *nodeStatusResponse) answered() bool {
	return r.hdr.rcode == 0 && r.rtype == recordTypeNBSTAT && r.mac != nil
}
