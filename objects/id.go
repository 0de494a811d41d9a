package objects

import (
	"fmt"

	"rtcore/constants"
)

// ID identifies a kernel object: index in bits 0..15, node in 16..23, API in 24..26 and class
// in 27..31. Index 0 never names a live object.
type ID uint32

// API is the interface domain an object class belongs to.
type API uint8

const (
	APINone API = iota
	APIInternal
	APIClassic
	APIPOSIX
)

// Class distinguishes object types within an API. Class 0 is invalid.
type Class uint8

const (
	indexShift = 0
	nodeShift  = indexShift + constants.IndexBits
	apiShift   = nodeShift + constants.NodeBits
	classShift = apiShift + constants.APIBits

	indexMask = 1<<constants.IndexBits - 1
	nodeMask  = 1<<constants.NodeBits - 1
	apiMask   = 1<<constants.APIBits - 1
	classMask = 1<<constants.ClassBits - 1
)

// None is the "no object" id.
const None ID = 0

// BuildID packs the four id fields. Out of range fields are truncated.
//
//go:inline
func BuildID(api API, class Class, node, index uint32) ID {
	return ID(uint32(class&classMask)<<classShift |
		uint32(api&apiMask)<<apiShift |
		(node&nodeMask)<<nodeShift |
		(index&indexMask)<<indexShift)
}

//go:nosplit
//go:inline
func (id ID) Index() uint32 { return uint32(id) >> indexShift & indexMask }

//go:nosplit
//go:inline
func (id ID) Node() uint32 { return uint32(id) >> nodeShift & nodeMask }

//go:nosplit
//go:inline
func (id ID) API() API { return API(uint32(id) >> apiShift & apiMask) }

//go:nosplit
//go:inline
func (id ID) Class() Class { return Class(uint32(id) >> classShift & classMask) }

func (id ID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// Name is a four character object name packed into 32 bits.
type Name uint32

// BuildName packs four bytes, first byte most significant.
func BuildName(a, b, c, d byte) Name {
	return Name(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

// NameOf builds a name from up to four leading bytes of s, space padded.
func NameOf(s string) Name {
	var b [4]byte
	for i := range b {
		if i < len(s) {
			b[i] = s[i]
		} else {
			b[i] = ' '
		}
	}
	return BuildName(b[0], b[1], b[2], b[3])
}

func (n Name) String() string {
	b := []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	for i, c := range b {
		if c < ' ' || c > '~' {
			b[i] = '*'
		}
	}
	return string(b)
}
