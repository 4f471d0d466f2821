// Package checksum computes the 16-bit integrity code embedded at the end of
// every metadata record.
//
// The code is CRC-16/MODBUS (reflected 0x8005, initial value 0xFFFF), which is
// what crc16(~0, ...) computes. It occupies the low 16 bits of the trailing
// common.SUMSZ-byte field and covers every byte before that field.
package checksum

import (
	"github.com/sigurn/crc16"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-pramfs/common"
)

var table = crc16.MakeTable(crc16.CRC16_MODBUS)

func body(rec []byte) []byte {
	if uint64(len(rec)) < common.SUMSZ {
		panic("checksum: record shorter than its checksum field")
	}
	return rec[:uint64(len(rec))-common.SUMSZ]
}

// Compute returns the code for rec, ignoring its checksum field.
func Compute(rec []byte) uint16 {
	return crc16.Checksum(body(rec), table)
}

// Stored returns the code currently recorded in rec.
func Stored(rec []byte) uint16 {
	dec := marshal.NewDec(rec[uint64(len(rec))-common.SUMSZ:])
	return uint16(dec.GetInt32())
}

// Store recomputes the code for rec and writes it into the checksum field.
func Store(rec []byte) {
	enc := marshal.NewEnc(common.SUMSZ)
	enc.PutInt32(uint32(Compute(rec)))
	copy(rec[uint64(len(rec))-common.SUMSZ:], enc.Finish())
}

// Verify reports whether rec's stored code matches its contents.
func Verify(rec []byte) bool {
	return Stored(rec) == Compute(rec)
}
