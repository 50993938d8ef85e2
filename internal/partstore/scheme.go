package partstore

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"

	"github.com/datamgr/datamgr/internal/dmerr"
)

// StorageScheme controls how a part's on-disk relative path is derived from
// its subset_uuid and part_uuid (spec §4.4, "storage scheme").
type StorageScheme struct {
	Version int    `toml:"version" json:"version"`
	Hash    string `toml:"hash" json:"hash"`
	Depth   int    `toml:"depth" json:"depth"`
	Seglen  int    `toml:"seglen" json:"seglen"`
}

// DefaultStorageScheme matches the catalog's default when a dataset doesn't
// override it: no sharding, parts live directly under .../parts/v1/.
func DefaultStorageScheme() StorageScheme {
	return StorageScheme{Version: 1, Hash: "sha256", Depth: 0, Seglen: 2}
}

// Validate checks the scheme's hash family and depth/seglen bounds.
func (s StorageScheme) Validate(op string) error {
	switch s.Hash {
	case "sha256", "sha1", "md5":
	default:
		return dmerr.CatalogIntegrity(op, fmt.Errorf("unsupported storage scheme hash %q", s.Hash))
	}
	if s.Depth < 0 {
		return dmerr.CatalogIntegrity(op, fmt.Errorf("storage scheme depth must be >= 0"))
	}
	if s.Depth > 0 && s.Seglen <= 0 {
		return dmerr.CatalogIntegrity(op, fmt.Errorf("storage scheme seglen must be > 0 when depth > 0"))
	}
	maxHex := hashHexLen(s.Hash)
	if s.Depth*s.Seglen > maxHex {
		return dmerr.CatalogIntegrity(op, fmt.Errorf("depth*seglen (%d) exceeds available hash hex length (%d)", s.Depth*s.Seglen, maxHex))
	}
	return nil
}

func hashHexLen(name string) int {
	switch name {
	case "sha256":
		return sha256.Size * 2
	case "sha1":
		return 20 * 2
	case "md5":
		return 16 * 2
	default:
		return 0
	}
}

// PartRelPath computes the part's relative path under the dataset root:
// subsets/{subset_uuid}/parts/v{version}/[sharded hex segments/]{part_uuid}.dmp
func PartRelPath(op, subsetUUID, partUUID string, scheme StorageScheme) (string, error) {
	if err := scheme.Validate(op); err != nil {
		return "", err
	}
	base := fmt.Sprintf("subsets/%s/parts/v%d", subsetUUID, scheme.Version)
	if scheme.Depth <= 0 {
		return fmt.Sprintf("%s/%s.dmp", base, partUUID), nil
	}
	hexDigest := shardingDigestHex(scheme.Hash, subsetUUID+partUUID)
	segs := make([]string, scheme.Depth)
	for i := 0; i < scheme.Depth; i++ {
		segs[i] = hexDigest[i*scheme.Seglen : (i+1)*scheme.Seglen]
	}
	path := base
	for _, seg := range segs {
		path += "/" + seg
	}
	return fmt.Sprintf("%s/%s.dmp", path, partUUID), nil
}

func shardingDigestHex(hashName, payload string) string {
	switch hashName {
	case "sha1":
		sum := sha1.Sum([]byte(payload))
		return hexString(sum[:])
	case "md5":
		sum := md5.Sum([]byte(payload))
		return hexString(sum[:])
	default:
		sum := sha256.Sum256([]byte(payload))
		return hexString(sum[:])
	}
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}
