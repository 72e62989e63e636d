package anonymiser

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"golang.org/x/crypto/blake2b"
)

// Every derived identifier comes from one primitive: a keyed BLAKE2b digest
// under the project key. Determinism within a project falls out of the key;
// unlinkability across projects falls out of the keys differing.

const (
	// orgRoot prefixes every regenerated UID.
	orgRoot   = "2.25."
	uidMaxLen = 64

	// digestSize is bounded by the DICOM 64-char identifier limit: hex
	// encoding doubles it.
	digestSize = 32

	// shiftRangeDays bounds the backwards date shift, inclusive of zero.
	shiftRangeDays = 30
)

// mixKey folds the optional local salt into the project salt and clamps the
// result to the BLAKE2b key limit.
func mixKey(salt, local []byte) []byte {
	key := make([]byte, len(salt))
	copy(key, salt)
	for i, b := range local {
		key[i%len(key)] ^= b
	}
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	return key
}

// key length is validated at engine construction, so New cannot fail here.
func keyedDigest(key []byte, value string) []byte {
	h, _ := blake2b.New(digestSize, key)
	h.Write([]byte(value))
	return h.Sum(nil)
}

// regenerateUID maps an original UID to its replacement: the org root
// followed by the decimal rendering of the keyed digest, truncated to the
// 64-character UID limit. The same original always maps to the same
// replacement under one key.
func regenerateUID(key []byte, original string) string {
	n := new(big.Int).SetBytes(keyedDigest(key, original))
	uid := orgRoot + n.String()
	if len(uid) > uidMaxLen {
		uid = uid[:uidMaxLen]
	}
	return uid
}

// pseudoPatientID derives the exported patient identifier from the MRN:
// 64 hex characters, the maximum a DICOM LO element holds.
func pseudoPatientID(key []byte, mrn string) string {
	return hex.EncodeToString(keyedDigest(key, mrn))
}

// secureHashValue hashes one element value, clamped to the VR's length
// bound. maxLen 0 means unbounded.
func secureHashValue(key []byte, value string, maxLen int) string {
	out := base64.RawURLEncoding.EncodeToString(keyedDigest(key, value))
	if maxLen > 0 && len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

// shiftDelta derives the study's date shift: a whole number of days in
// [-shiftRangeDays, 0], constant for every instance of the study.
func shiftDelta(key []byte, studyUID string) int {
	d := keyedDigest(key, studyUID)
	return -int(binary.BigEndian.Uint64(d[:8]) % (shiftRangeDays + 1))
}
