package util

import (
	"math/bits"

	"github.com/sirupsen/logrus"
)

// Debug is the highest DPrintf level that is logged.
var Debug uint64 = 1

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		logrus.Debugf(format, a...)
	}
}

// SetDebug raises the trace level and switches logrus to debug output.
func SetDebug(level uint64) {
	Debug = level
	if level > 0 {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

// AlignUp rounds n up to a multiple of the power of two sz.
func AlignUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) &^ (sz - 1)
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func SumOverflows(n uint64, m uint64) bool {
	return n+m < n
}

func IsPow2(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// Log2 of a power of two.
func Log2(n uint64) uint64 {
	return uint64(bits.TrailingZeros64(n))
}
