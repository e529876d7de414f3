package hash

import (
	"crypto"
	"errors"
	"hash"
	"strconv"

	// Linking the algorithms Git supports into the binary; their init
	// functions register with the crypto package so crypto.Hash.New works.
	//
	//nolint:gosec // sha1 is still Git's default object-id algorithm.
	_ "crypto/sha1"
	_ "crypto/sha256"
)

// ErrUnlinkedAlgorithm is returned when the requested hash algorithm has not
// been linked into the binary via a blank _ import.
var ErrUnlinkedAlgorithm = errors.New("hash: algorithm not linked into binary")

// ObjectType distinguishes the four Git object kinds for the purposes of
// computing an object id; it is not concerned with pack-format delta
// types.
type ObjectType string

const (
	TypeCommit ObjectType = "commit"
	TypeTree   ObjectType = "tree"
	TypeBlob   ObjectType = "blob"
	TypeTag    ObjectType = "tag"
)

// Hasher computes a Git object id over a header ("<type> <size>\0") followed
// by the object's raw content, matching Git's on-disk/id format exactly.
type Hasher struct {
	hash.Hash
}

// NewHasher returns a Hasher primed with the object header for t and size;
// callers write only the object content afterwards.
func NewHasher(algo crypto.Hash, t ObjectType, size int64) (Hasher, error) {
	if !algo.Available() {
		return Hasher{}, ErrUnlinkedAlgorithm
	}

	h := Hasher{Hash: algo.New()}
	for _, chunk := range [][]byte{
		[]byte(t), []byte(" "), []byte(strconv.FormatInt(size, 10)), {0},
	} {
		if _, err := h.Write(chunk); err != nil {
			return Hasher{}, err
		}
	}
	return h, nil
}

// Object computes the object id of data under the given algorithm and type
// in one call.
func Object(algo crypto.Hash, t ObjectType, data []byte) (Hash, error) {
	h, err := NewHasher(algo, t, int64(len(data)))
	if err != nil {
		return nil, err
	}
	if _, err := h.Write(data); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
