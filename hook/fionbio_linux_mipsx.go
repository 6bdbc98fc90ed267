// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux && (mips || mipsle || mips64 || mips64le)

package hook

// FIONBIO is the ioctl request that sets non-blocking mode.
const FIONBIO = 0x667e
