// Package auth signs and verifies frames and MQTT payloads with HMAC-SHA256.
// Secrets longer than the SHA-256 block are hashed down first, as HMAC prescribes.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/juju/errors"
	"github.com/temoto/lorawatch/internal/frame"
)

const TagSize = sha256.Size

var ErrAuthentication = errors.Unauthorizedf("tag mismatch")

// Sign returns HMAC-SHA256 of message.
func Sign(secret, message []byte) [TagSize]byte {
	var tag [TagSize]byte
	m := hmac.New(sha256.New, secret)
	_, _ = m.Write(message)
	m.Sum(tag[:0])
	return tag
}

// Verify compares full tag in constant time.
func Verify(secret, message, tag []byte) bool {
	if len(tag) != TagSize {
		return false
	}
	expect := Sign(secret, message)
	return hmac.Equal(expect[:], tag)
}

// SignFrame attaches tag over the data portion of m.
func SignFrame(secret []byte, m frame.Message) frame.Frame {
	return frame.Frame{Msg: m, Tag: Sign(secret, frame.DataBytes(m))}
}

func VerifyFrame(secret []byte, f frame.Frame) error {
	if !Verify(secret, frame.DataBytes(f.Msg), f.Tag[:]) {
		return errors.Annotatef(ErrAuthentication, "%s src=%d", f.Msg.Type(), f.Msg.Source())
	}
	return nil
}

// VerifyHex accepts tag as hex text of either case.
func VerifyHex(secret, message []byte, tagHex string) bool {
	if len(tagHex) != 2*TagSize {
		return false
	}
	var tag [TagSize]byte
	if _, err := hex.Decode(tag[:], []byte(tagHex)); err != nil {
		return false
	}
	return Verify(secret, message, tag[:])
}
