// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import "runtime"

// Zero overwrites b with zeros. The KeepAlive keeps the compiler from
// treating the stores as dead when b is not read afterwards.
func Zero(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}

// ZeroAll zeroes every slice in order.
func ZeroAll(slices ...[]byte) {
	for _, b := range slices {
		Zero(b)
	}
}
