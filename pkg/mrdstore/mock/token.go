package mock

import (
	"encoding/base64"
	"errors"
	"strconv"
)

// Continuation tokens wrap the sequence number of the last blob returned so
// that pages stay stable while new blobs arrive.

func encodeToken(seq uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatUint(seq, 36)))
}

func decodeToken(token string) (uint64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, errors.New("malformed continuation token")
	}
	seq, err := strconv.ParseUint(string(raw), 36, 64)
	if err != nil || seq == 0 {
		return 0, errors.New("malformed continuation token")
	}
	return seq, nil
}
