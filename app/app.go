// Package app implements a best-effort DNP3 application-layer grammar
// (spec §6, "app_request"/"app_response"). The application layer is
// opaque to the rest of the dissector: this package classifies a
// reassembled fragment as a request or response, recognizes the
// handful of malformed shapes spec.md §4.5 calls out, and otherwise
// treats the payload as an uninterpreted blob.
package app

import (
	"github.com/dnp3scope/dissector/internal/memview"
	"github.com/dnp3scope/dissector/model"
)

const (
	minFragmentLen    = 2 // application control octet + function code
	responseHeaderLen = 4 // + 2-byte Internal Indications

	funcResponse           = 0x81
	funcUnsolicitedResponse = 0x82
)

// Result classifies the outcome of ParseMessage.
type Result int

const (
	// ResultFragment: payload parsed into a well-formed Fragment.
	ResultFragment Result = iota
	// ResultError: payload is recognizably an application fragment, but
	// one of its fields is invalid; model.ErrorKind says which.
	ResultError
	// ResultReject: payload is too short to be an application fragment
	// at all.
	ResultReject
)

// ParseMessage inspects a reassembled application payload and reports
// what it found.
func ParseMessage(payload memview.MemView) (model.Fragment, model.ErrorKind, Result) {
	if payload.Len() < minFragmentLen {
		return model.Fragment{}, model.ErrorKindTruncated, ResultReject
	}

	funcCode := payload.GetByte(1)
	kind := model.FragmentRequest
	if funcCode == funcResponse || funcCode == funcUnsolicitedResponse {
		kind = model.FragmentResponse
		if payload.Len() < responseHeaderLen {
			return model.Fragment{}, model.ErrorKindTruncated, ResultError
		}
	}

	if !isKnownFunctionCode(funcCode) {
		return model.Fragment{}, model.ErrorKindUnknownFunction, ResultError
	}

	return model.Fragment{Kind: kind, Raw: payload}, 0, ResultFragment
}

// knownFunctionCodes lists the request and response function codes this
// dissector recognizes (IEEE 1815 Table 4-2, application-confirm and the
// object-oriented read/write/control subset most traffic exercises).
// Codes outside this set still reassemble correctly; they are just
// reported as ErrorKindUnknownFunction rather than decoded further,
// since decoding object headers is out of scope (spec.md §1 Non-goals).
var knownFunctionCodes = map[byte]bool{
	0x00: true, // CONFIRM
	0x01: true, // READ
	0x02: true, // WRITE
	0x03: true, // SELECT
	0x04: true, // OPERATE
	0x05: true, // DIRECT_OPERATE
	0x06: true, // DIRECT_OPERATE_NR
	0x07: true, // IMMED_FREEZE
	0x08: true, // IMMED_FREEZE_NR
	0x09: true, // FREEZE_CLEAR
	0x0A: true, // FREEZE_CLEAR_NR
	0x0D: true, // COLD_RESTART
	0x0E: true, // WARM_RESTART
	0x14: true, // ENABLE_UNSOLICITED
	0x15: true, // DISABLE_UNSOLICITED
	0x16: true, // ASSIGN_CLASS
	0x17: true, // DELAY_MEASURE
	0x81: true, // RESPONSE
	0x82: true, // UNSOLICITED_RESPONSE
}

func isKnownFunctionCode(b byte) bool {
	return knownFunctionCodes[b]
}
