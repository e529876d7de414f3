package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opengit/wireproto/protocol/hash"
)

// FilterKind distinguishes the filter-spec variants a "filter <spec>" fetch
// line may request.
type FilterKind int

const (
	FilterNone FilterKind = iota
	FilterBlobNone
	FilterBlobLimit
	FilterTreeDepth
	FilterSparseOid
)

// FilterSpec is the parsed form of a single "filter <spec>" line. It is
// applied lazily, during pack generation, by the Pack Writer collaborator —
// this package only parses and validates the spec itself.
type FilterSpec struct {
	Kind FilterKind

	// BlobLimit is set for FilterBlobLimit: the maximum blob size in bytes
	// that should be included.
	BlobLimit int64
	// TreeDepth is set for FilterTreeDepth: the number of directory levels
	// of trees to include before omitting blobs.
	TreeDepth int64
	// SparseOid is set for FilterSparseOid: the object id of the blob
	// holding a sparse-checkout specification.
	SparseOid ObjectId
}

// ParseFilterSpec parses the value following "filter " on a fetch request
// line (the caller strips the "filter " prefix and trailing newline).
func ParseFilterSpec(spec string) (FilterSpec, error) {
	spec = strings.TrimSpace(spec)

	switch {
	case spec == "blob:none":
		return FilterSpec{Kind: FilterBlobNone}, nil

	case strings.HasPrefix(spec, "blob:limit="):
		raw := strings.TrimPrefix(spec, "blob:limit=")
		n, err := parseSizeSuffix(raw)
		if err != nil {
			return FilterSpec{}, fmt.Errorf("parsing blob:limit value %q: %w", raw, err)
		}
		return FilterSpec{Kind: FilterBlobLimit, BlobLimit: n}, nil

	case strings.HasPrefix(spec, "tree:"):
		raw := strings.TrimPrefix(spec, "tree:")
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return FilterSpec{}, fmt.Errorf("parsing tree depth %q: %w", raw, err)
		}
		return FilterSpec{Kind: FilterTreeDepth, TreeDepth: n}, nil

	case strings.HasPrefix(spec, "sparse:oid="):
		raw := strings.TrimPrefix(spec, "sparse:oid=")
		oid, err := parseOidHex(raw)
		if err != nil {
			return FilterSpec{}, fmt.Errorf("parsing sparse:oid value %q: %w", raw, err)
		}
		return FilterSpec{Kind: FilterSparseOid, SparseOid: oid}, nil

	default:
		return FilterSpec{}, fmt.Errorf("unsupported filter spec %q", spec)
	}
}

// parseSizeSuffix parses a byte count with an optional k/m/g suffix, as
// accepted by blob:limit=.
func parseSizeSuffix(raw string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	switch raw[len(raw)-1] {
	case 'k', 'K':
		mult = 1024
		raw = raw[:len(raw)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		raw = raw[:len(raw)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		raw = raw[:len(raw)-1]
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

func parseOidHex(raw string) (ObjectId, error) {
	return hash.FromHex(raw)
}
