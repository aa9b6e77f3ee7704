package netbios

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Name
	}{
		{"file server", NewName("FILESERVER", TypeFileServer, "")},
		{"workstation", NewName("ws01", TypeWorkstation, "")},
		{"full length", NewName("ABCDEFGHIJKLMNO", TypeMessenger, "")},
		{"single char", NewName("A", TypeFileServer, "")},
		{"with scope", NewName("HOST", TypeFileServer, "corp.example.com")},
		{"single label scope", NewName("HOST", TypeMasterBrowser, "LAB")},
		{"master browser", Name{Name: MasterBrowserName, HexCode: 0x01}},
		{"any hosts", Name{Name: AnyHostsName, HexCode: 0x00}},
		{"domain", NewName("WORKGROUP", TypeDomainMasterBrowser, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.in.AppendWire(nil)
			assert.Len(t, b, tt.in.WireLength())

			got, n, err := DecodeName(b)
			require.NoError(t, err)
			assert.Equal(t, len(b), n)
			assert.Equal(t, tt.in.Name, got.Name)
			assert.Equal(t, tt.in.HexCode, got.HexCode)
			assert.Equal(t, tt.in.Scope, got.Scope)
		})
	}
}

func TestNameFirstLevelEncoding(t *testing.T) {
	// RFC 1001 section 14.1 example.
	b := NewName("FRED", TypeFileServer, "").AppendWire(nil)

	require.Len(t, b, 34)
	assert.Equal(t, byte(0x20), b[0])
	assert.Equal(t, "EGFCEFEECACACACACACACACACACACACA", string(b[1:33]))
	assert.Equal(t, byte(0x00), b[33])
}

func TestNameScopeLabels(t *testing.T) {
	b := NewName("FRED", TypeFileServer, "NETBIOS.COM").AppendWire(nil)

	want := append([]byte{7}, "NETBIOS"...)
	want = append(want, 3)
	want = append(want, "COM"...)
	want = append(want, 0)
	assert.Equal(t, want, b[33:])
}

func TestNameEncodesType(t *testing.T) {
	b := NewName("X", TypeMasterBrowser, "").AppendWire(nil)
	// 0x1D maps to 'B' 'N'.
	assert.Equal(t, "BN", string(b[31:33]))
}

func TestNewName(t *testing.T) {
	n := NewName("averyveryverylongname", TypeFileServer, "")
	assert.Equal(t, "AVERYVERYVERYLO", n.Name)
	assert.Equal(t, TypeFileServer, n.HexCode)
	assert.Zero(t, n.SrcHashCode)
}

func TestNameEquality(t *testing.T) {
	a := NewName("HOST", TypeFileServer, "")
	b := NewName("host", TypeFileServer, "")
	assert.Equal(t, a, b)

	b.SrcHashCode = 1
	assert.NotEqual(t, a, b, "source is part of identity")

	m := map[Name]int{a: 1}
	_, ok := m[b]
	assert.False(t, ok)
	assert.Equal(t, a, b.withoutSource())
}

func TestNameString(t *testing.T) {
	tests := []struct {
		in   Name
		want string
	}{
		{NewName("FILESERVER", TypeFileServer, ""), "FILESERVER<20>"},
		{NewName("HOST", TypeMasterBrowser, "LAB"), "HOST<1D>.LAB"},
		{Name{Name: MasterBrowserName, HexCode: 0x01}, "..__MSBROWSE__.<01>"},
		{unknownName(), "0.0.0.0<00>"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.String())
	}
}

func TestDecodeNameErrors(t *testing.T) {
	good := NewName("HOST", TypeFileServer, "A.B").AppendWire(nil)

	tests := []struct {
		name string
		src  []byte
	}{
		{"empty", nil},
		{"short", good[:20]},
		{"bad length byte", append([]byte{0x1F}, good[1:]...)},
		{"unterminated scope", good[:len(good)-1]},
		{"scope label overrun", append(append([]byte{}, good[:33]...), 9, 'A', 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeName(tt.src)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestNameIsUnknown(t *testing.T) {
	assert.True(t, unknownName().IsUnknown())
	assert.False(t, NewName("0.0.0.0", TypeFileServer, "").IsUnknown())
}

func TestNameKeyDistinguishesRawBytes(t *testing.T) {
	browse := NewName(MasterBrowserName, TypeMasterBrowser, "")
	lookalike := NewName("..__MSBROWSE__.", TypeMasterBrowser, "")
	require.Equal(t, browse.String(), lookalike.String())
	assert.NotEqual(t, browse.key(), lookalike.key())

	a := NewName("HOST", TypeFileServer, "corp")
	b := a
	b.SrcHashCode = 0xFFFFFFFF
	assert.NotEqual(t, a.key(), b.key())
	assert.Equal(t, a.key(), NewName("host", TypeFileServer, "corp").key())
}
