package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/lorawatch/helpers"
	"github.com/temoto/lorawatch/internal/frame"
)

const testSecret = "IoT_Secure_P@ssw0rd_2026"

func TestSignKnownVector(t *testing.T) {
	t.Parallel()
	// RFC 4231 test case 2
	tag := Sign([]byte("Jefe"), []byte("what do ya want for nothing?"))
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", hex.EncodeToString(tag[:]))
}

func TestLongSecretIsHashed(t *testing.T) {
	t.Parallel()
	long := []byte(strings.Repeat("k", 131))
	short := sha256.Sum256(long)
	msg := []byte("payload")
	assert.Equal(t, Sign(short[:], msg), Sign(long, msg))
}

func TestVerifyBitFlip(t *testing.T) {
	t.Parallel()
	rnd := helpers.RandUnix()
	for i := 0; i < 100; i++ {
		secret := make([]byte, 1+rnd.Intn(100))
		msg := make([]byte, rnd.Intn(50)+1)
		rnd.Read(secret)
		rnd.Read(msg)
		tag := Sign(secret, msg)
		require.True(t, Verify(secret, msg, tag[:]))

		badMsg := append([]byte(nil), msg...)
		bit := rnd.Intn(len(badMsg) * 8)
		badMsg[bit/8] ^= 1 << (bit % 8)
		assert.False(t, Verify(secret, badMsg, tag[:]))

		badTag := tag
		bit = rnd.Intn(TagSize * 8)
		badTag[bit/8] ^= 1 << (bit % 8)
		assert.False(t, Verify(secret, msg, badTag[:]))
	}
	assert.False(t, Verify([]byte("s"), []byte("m"), nil))
}

func TestFrame(t *testing.T) {
	t.Parallel()
	secret := []byte(testSecret)
	f := SignFrame(secret, frame.NewData(1, 9, 23.45, 60.10, true))
	require.NoError(t, VerifyFrame(secret, f))
	assert.True(t, VerifyHex(secret, frame.DataBytes(f.Msg), strings.ToLower(f.Tag.String())))

	decoded, err := frame.Decode(f.Encode())
	require.NoError(t, err)
	require.NoError(t, VerifyFrame(secret, decoded))

	err = VerifyFrame([]byte("other"), decoded)
	require.Error(t, err)
	assert.Equal(t, ErrAuthentication, errors.Cause(err))
	assert.True(t, errors.IsUnauthorized(err))
	assert.False(t, VerifyHex(secret, frame.DataBytes(f.Msg), "zz"))
}
