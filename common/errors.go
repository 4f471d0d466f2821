package common

import (
	"errors"
	"fmt"
)

// ErrCorrupt is returned (wrapped) whenever a metadata record fails its
// checksum or carries an impossible value.
var ErrCorrupt = errors.New("corrupt metadata")

// ChecksumError reports a record whose stored checksum does not match its
// contents.
type ChecksumError struct {
	What  string
	Off   uint64
	Found uint16
	Want  uint16
}

func (err *ChecksumError) Error() string {
	return fmt.Sprintf(
		"checksum error in %s at 0x%08x: found `%#04x`, computed `%#04x`",
		err.What,
		err.Off,
		err.Found,
		err.Want,
	)
}

func (err *ChecksumError) Is(target error) bool {
	return target == ErrCorrupt
}

// BadMagicError reports a superblock without the pramfs magic.
type BadMagicError struct {
	Off   uint64
	Found uint32
}

func (err *BadMagicError) Error() string {
	return fmt.Sprintf(
		"bad magic at 0x%08x: wanted `%#x`; found `%#x`",
		err.Off,
		MAGIC,
		err.Found,
	)
}

func (err *BadMagicError) Is(target error) bool {
	return target == ErrCorrupt
}
