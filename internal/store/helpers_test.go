package store

import "github.com/roach88/seqd/internal/ir"

func testEvent(did string) ir.EventInput {
	return ir.EventInput{DID: did, Type: ir.EventAppend, Payload: map[string]any{"rev": int64(1)}}
}
