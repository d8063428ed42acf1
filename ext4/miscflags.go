package ext4

// miscFlags is the parsed form of the miscellaneous flags word in the
// superblock. These are informational and never affect compatibility.
type miscFlags struct {
	signedDirectoryHash   bool
	unsignedDirectoryHash bool
	developmentTest       bool
}

type miscFlag uint32

const (
	flagSignedDirectoryHash   miscFlag = 0x1
	flagUnsignedDirectoryHash miscFlag = 0x2
	flagTestDevCode           miscFlag = 0x4
)

func (m miscFlag) included(flags uint32) bool {
	return flags&uint32(m) == uint32(m)
}

func parseMiscFlags(flags uint32) miscFlags {
	return miscFlags{
		signedDirectoryHash:   flagSignedDirectoryHash.included(flags),
		unsignedDirectoryHash: flagUnsignedDirectoryHash.included(flags),
		developmentTest:       flagTestDevCode.included(flags),
	}
}

func (m *miscFlags) toInt() uint32 {
	var flags uint32
	if m.signedDirectoryHash {
		flags |= uint32(flagSignedDirectoryHash)
	}
	if m.unsignedDirectoryHash {
		flags |= uint32(flagUnsignedDirectoryHash)
	}
	if m.developmentTest {
		flags |= uint32(flagTestDevCode)
	}
	return flags
}

var defaultMiscFlags = miscFlags{}
