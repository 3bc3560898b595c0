//go:build linux && bpf_embedded

// object_embed_linux.go — embedded BPF object variant.
//
// This file is compiled when the "bpf_embedded" build tag is set, which
// requires the pre-compiled stackwalk.bpf.o to exist in this directory.
// The probe program's source and its compilation are not part of this
// repository; the object is built elsewhere and copied here.
//
// Build sequence, once stackwalk.bpf.o is in place:
//
//	go build -tags bpf_embedded ./internal/unwind/...

package unwind

import _ "embed"

//go:embed stackwalk.bpf.o
var _embeddedBPFObject []byte

func init() {
	bpfObjectBytes = _embeddedBPFObject
}
