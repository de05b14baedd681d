// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build !amd64 || purego

package index

func matchWords(w0, w1 uint64, fp uint8) uint16 {
	return matchSWAR(w0, w1, fp)
}
