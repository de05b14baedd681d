// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build amd64 && !purego

package index

import "golang.org/x/sys/cpu"

var hasSSE2 = cpu.X86.HasSSE2

// matchFingerprintSSE2 compares all 16 fingerprint bytes against fp with a
// single PCMPEQB. The implementation resides in fingerprint_amd64.s.
//
//go:noescape
func matchFingerprintSSE2(fingers *[16]byte, fp uint8) uint16

func matchWords(w0, w1 uint64, fp uint8) uint16 {
	if hasSSE2 {
		b := fingerBytes(w0, w1)
		return matchFingerprintSSE2(&b, fp)
	}
	return matchSWAR(w0, w1, fp)
}
