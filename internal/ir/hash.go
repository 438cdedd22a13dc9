package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content IDs. The version suffix allows the algorithm
// to change without colliding with existing IDs.
const (
	DomainEvent = "seqd/event/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventCID computes the content ID of a committed event from its DID, type
// and canonical payload. It does not depend on the datastore-assigned ID, so
// the same mutation always hashes the same way.
func EventCID(did string, typ EventType, canonicalPayload []byte) (string, error) {
	header, err := Canonical(map[string]any{
		"did":  did,
		"type": string(typ),
	})
	if err != nil {
		return "", fmt.Errorf("event cid: %w", err)
	}
	data := make([]byte, 0, len(header)+1+len(canonicalPayload))
	data = append(data, header...)
	data = append(data, 0x00)
	data = append(data, canonicalPayload...)
	return hashWithDomain(DomainEvent, data), nil
}

// EncodeEvent canonicalizes an input's payload and computes its CID.
func EncodeEvent(in EventInput) (payload []byte, cid string, err error) {
	if err := in.Validate(); err != nil {
		return nil, "", err
	}
	p := in.Payload
	if p == nil {
		p = map[string]any{}
	}
	payload, err = Canonical(p)
	if err != nil {
		return nil, "", fmt.Errorf("encode event: %w", err)
	}
	cid, err = EventCID(in.DID, in.Type, payload)
	if err != nil {
		return nil, "", err
	}
	return payload, cid, nil
}
