// Package instructions builds pure, unsigned program instructions for the
// five on-chain programs (registry, mint, oracle, market, governance). Each
// builder is a plain function: validated domain values in, a
// ledger.Instruction out, no I/O. The coordinator is the only caller.
package instructions

import (
	"bytes"
	"encoding/binary"

	"github.com/gridtokenx/apigateway/pkg/ledger"
)

// tag bytes, one per instruction kind, unique within a program.
const (
	tagRegisterUser  byte = 1
	tagRegisterMeter byte = 2
	tagSubmitReading byte = 3

	tagMintTo      byte = 10
	tagSettleMatch byte = 11

	tagCreateOrder  byte = 20
	tagCancelOrder  byte = 21
	tagMatchOrders  byte = 22

	tagIssueCertificate byte = 30
)

// encoder accumulates a fixed binary layout: a tag byte followed by
// little-endian fields, matching the teacher's wire-form conventions
// (go-ethereum's common.Hash/Address are fixed-width typed forms of the
// same idea) generalized to this program surface.
type encoder struct {
	buf bytes.Buffer
}

func newEncoder(tag byte) *encoder {
	e := &encoder{}
	e.buf.WriteByte(tag)
	return e
}

func (e *encoder) string(s string) *encoder {
	binary.Write(&e.buf, binary.LittleEndian, uint16(len(s)))
	e.buf.WriteString(s)
	return e
}

func (e *encoder) u64(v uint64) *encoder {
	binary.Write(&e.buf, binary.LittleEndian, v)
	return e
}

func (e *encoder) i64(v int64) *encoder {
	binary.Write(&e.buf, binary.LittleEndian, v)
	return e
}

func (e *encoder) byte(v byte) *encoder {
	e.buf.WriteByte(v)
	return e
}

func (e *encoder) bytes() []byte {
	return e.buf.Bytes()
}

func account(pubkey string, signer, writable bool) ledger.AccountMeta {
	return ledger.AccountMeta{Pubkey: pubkey, IsSigner: signer, IsWritable: writable}
}
