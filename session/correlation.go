/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package session

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const (
	minIDLength = 8
	maxIDLength = 128
)

// NewSessionID returns a fresh session identifier
func NewSessionID() string {
	return uuid.NewString()
}

// NewRequestID returns a fresh request identifier
func NewRequestID() string {
	return uuid.NewString()
}

// CorrelationID derives the correlation identifier of a request. It is the
// first 16 bytes of BLAKE3(sessionID 0x00 requestID), hex encoded, so it is
// stable for the pair and distinct across sessions reusing a request id.
func CorrelationID(sessionID, requestID string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(sessionID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(requestID))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// ValidSessionID reports whether id is an acceptable session identifier:
// 8 to 128 visible ASCII characters.
func ValidSessionID(id string) bool {
	return visibleASCII(id, minIDLength)
}

// ValidRequestID reports whether id is an acceptable client supplied request
// identifier: 1 to 128 visible ASCII characters.
func ValidRequestID(id string) bool {
	return visibleASCII(id, 1)
}

func visibleASCII(id string, minLen int) bool {
	if len(id) < minLen || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
