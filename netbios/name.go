package netbios

import (
	"fmt"
	"strings"
)

const (
	// maxNameLength is the number of significant characters in a NetBIOS name.
	// The 16th byte of the raw name carries the type (hex code).
	maxNameLength = 15

	// encodedNameLength is the label length byte that prefixes every
	// first-level encoded name.
	encodedNameLength = 0x20

	typeOffset  = 31
	scopeOffset = 33
)

// Well-known names.
const (
	// SMBServerName is the generic called name accepted by most SMB servers
	// on the NetBIOS session service.
	SMBServerName = "*SMBSERVER     "

	// AnyHostsName is the wildcard name used in node status requests.
	AnyHostsName = "*\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"

	// MasterBrowserName is the reserved name registered by the local master browser.
	MasterBrowserName = "\x01\x02__MSBROWSE__\x02"

	// unknownHostName is the placeholder name of addresses that were built
	// from a bare IP and never resolved.
	unknownHostName = "0.0.0.0"
)

// Name type codes.
const (
	TypeWorkstation         byte = 0x00
	TypeMessenger           byte = 0x03
	TypeDomainMasterBrowser byte = 0x1B
	TypeDomainController    byte = 0x1C
	TypeMasterBrowser       byte = 0x1D
	TypeBrowserElection     byte = 0x1E
	TypeFileServer          byte = 0x20
)

// Name is a NetBIOS name: up to 15 upper case characters, a one byte type
// and an optional scope.
//
// SrcHashCode distinguishes otherwise identical names resolved through
// different sources (lmhosts, a particular WINS server, broadcast) so that a
// negative answer from one source never shadows another in the cache.
// Name is comparable and is used directly as a cache key.
type Name struct {
	Name        string
	Scope       string
	HexCode     byte
	SrcHashCode uint32
}

// NewName returns a normalized Name: the name is truncated to 15 characters
// and upper cased.
func NewName(name string, hexCode byte, scope string) Name {
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return Name{
		Name:    strings.ToUpper(name),
		Scope:   scope,
		HexCode: hexCode,
	}
}

// IsUnknown reports whether n is the placeholder carried by unresolved addresses.
func (n Name) IsUnknown() bool {
	return n.Name == unknownHostName && n.HexCode == 0x00 && n.Scope == ""
}

// withoutSource returns n with the source discriminator cleared.
func (n Name) withoutSource() Name {
	n.SrcHashCode = 0
	return n
}

// WireLength is the number of bytes AppendWire produces for n.
func (n Name) WireLength() int {
	if n.Scope == "" {
		return scopeOffset + 1
	}
	return scopeOffset + len(n.Scope) + 2
}

// AppendWire appends the first-level encoding of n (RFC 1001 section 14.1)
// followed by its scope labels.
func (n Name) AppendWire(b []byte) []byte {
	b = append(b, encodedNameLength)

	var raw [16]byte
	i := copy(raw[:maxNameLength], n.Name)
	for ; i < maxNameLength; i++ {
		raw[i] = ' '
	}
	raw[maxNameLength] = n.HexCode

	for _, c := range raw {
		b = append(b, 'A'+(c>>4), 'A'+(c&0x0F))
	}
	return n.appendScope(b)
}

// appendScope writes the scope as length-prefixed labels. The scope is copied
// behind a leading '.', then walked backwards turning every '.' into the
// length of the label that follows it.
func (n Name) appendScope(b []byte) []byte {
	if n.Scope == "" {
		return append(b, 0x00)
	}
	start := len(b)
	b = append(b, '.')
	b = append(b, n.Scope...)
	b = append(b, 0x00)

	count := byte(0)
	for i := len(b) - 2; i >= start; i-- {
		if b[i] == '.' {
			b[i] = count
			count = 0
		} else {
			count++
		}
	}
	return b
}

// DecodeName reads a first-level encoded name from the start of src and
// returns it along with the number of bytes consumed.
func DecodeName(src []byte) (Name, int, error) {
	var n Name
	if len(src) < scopeOffset+1 {
		return n, 0, fmt.Errorf("%w: name needs %d bytes, have %d", ErrMalformedPacket, scopeOffset+1, len(src))
	}
	if src[0] != encodedNameLength {
		return n, 0, fmt.Errorf("%w: name label length 0x%02x", ErrMalformedPacket, src[0])
	}

	var raw [maxNameLength]byte
	length := maxNameLength
	for i := 0; i < maxNameLength; i++ {
		raw[i] = (src[2*i+1]-'A')<<4 | (src[2*i+2]-'A')&0x0F
		if raw[i] != ' ' {
			length = i + 1
		}
	}
	// A name made only of spaces keeps its full length.
	n.Name = string(raw[:length])
	n.HexCode = (src[typeOffset]-'A')<<4 | (src[typeOffset+1]-'A')&0x0F

	scope, used, err := decodeScope(src[scopeOffset:])
	if err != nil {
		return Name{}, 0, err
	}
	n.Scope = scope
	return n, scopeOffset + used, nil
}

func decodeScope(src []byte) (string, int, error) {
	var sb strings.Builder
	off := 0
	for {
		if off >= len(src) {
			return "", 0, fmt.Errorf("%w: unterminated scope", ErrMalformedPacket)
		}
		l := int(src[off])
		off++
		if l == 0 {
			return sb.String(), off, nil
		}
		if l&0xC0 != 0 || off+l > len(src) {
			return "", 0, fmt.Errorf("%w: bad scope label length %d", ErrMalformedPacket, l)
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.Write(src[off : off+l])
		off += l
	}
}

// String renders n the way nbtstat does, e.g. FILESERVER<20>.
func (n Name) String() string {
	name := n.Name
	if len(name) > 0 && name[0] == 0x01 {
		b := []byte(name)
		b[0] = '.'
		if len(b) > 1 {
			b[1] = '.'
		}
		if len(b) > 14 {
			b[14] = '.'
		}
		name = string(b)
	}
	s := fmt.Sprintf("%s<%02X>", name, n.HexCode)
	if n.Scope != "" {
		s += "." + n.Scope
	}
	return s
}

// key identifies n, including its source, for lookup deduplication.
func (n Name) key() string {
	return fmt.Sprintf("%q/%02x/%q/%08x", n.Name, n.HexCode, n.Scope, n.SrcHashCode)
}
