package rawcache

import (
	"fmt"

	"github.com/OneOfOne/xxhash"
)

// shardPrefix buckets a study UID into one of 256 shard directories so
// listing and eviction scans stay cheap as the raw cache grows.
func shardPrefix(studyUID string) string {
	h := xxhash.ChecksumString64(studyUID)
	return fmt.Sprintf("%02x", byte(h))
}
