// Package image defines the device image handed to the binary loader: a
// compiled blob plus the side list of host-declared entry descriptors. The
// loader never parses entry metadata out of the blob itself.
package image

import (
	"bytes"
	"debug/elf"
)

// machineCUDA is the ELF e_machine value for NVIDIA CUDA (EM_CUDA).
const machineCUDA = 190

// Descriptor is one host-declared offload entry: a named, addressable unit
// shared between the host and device compilation units. A zero Size marks a
// kernel function; nonzero marks a global variable. HostAddr zero means the
// host had nothing to bind and the entry passes through unresolved.
type Descriptor struct {
	Name     string
	HostAddr uint64
	Size     int64
}

// Image pairs the device blob with its entry descriptors.
type Image struct {
	Bytes   []byte
	Entries []Descriptor
}

// IsValid reports whether img is an ELF image targeting the CUDA machine,
// 32- or 64-bit. Anything unparsable is invalid.
func IsValid(img []byte) bool {
	f, err := elf.NewFile(bytes.NewReader(img))
	if err != nil {
		return false
	}
	defer f.Close()
	return f.Machine == elf.Machine(machineCUDA)
}
