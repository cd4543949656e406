package scheduler

import (
	"bytes"
	"context"
	"io"
	"sort"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/pixl-imaging/pixl-core/anonymize"
	"github.com/pixl-imaging/pixl-core/rawcache"
)

// DefaultAssembleStudy reads every instance the raw cache holds for
// studyUID back off the blob store and decodes it, the production
// AssembleStudyFunc wired in by cmd/pixlcore. Tests substitute a fake
// returning canned anonymize.Instance values instead of round-tripping
// real DICOM bytes.
//
// Instances are processed in SOPInstanceUID-hash order so that
// UID regeneration stays reproducible across re-runs regardless of the
// order the blob store happens to list them in (spec §5 ordering rule).
func DefaultAssembleStudy(ctx context.Context, cache *rawcache.Coordinator, studyUID string) ([]anonymize.Instance, error) {
	keys, err := cache.Keys(ctx, studyUID)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler: list instances for study %s", studyUID)
	}
	sort.Slice(keys, func(i, j int) bool {
		return xxhash.ChecksumString64(keys[i].InstanceUID) < xxhash.ChecksumString64(keys[j].InstanceUID)
	})

	instances := make([]anonymize.Instance, 0, len(keys))
	for _, key := range keys {
		rc, err := cache.Get(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "scheduler: read instance %s", key.InstanceUID)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "scheduler: read instance %s", key.InstanceUID)
		}

		parsed, err := parseInstance(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "scheduler: decode instance %s", key.InstanceUID)
		}
		instances = append(instances, parsed)
	}
	return instances, nil
}

func parseInstance(raw []byte) (anonymize.Instance, error) {
	ds, err := dicom.Parse(bytes.NewReader(raw), int64(len(raw)), nil)
	if err != nil {
		return anonymize.Instance{}, err
	}

	manufacturer := ""
	if el, err := ds.FindElementByTag(tag.Manufacturer); err == nil {
		if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
			manufacturer = vals[0]
		}
	}
	seriesNumber := 0
	if el, err := ds.FindElementByTag(tag.SeriesNumber); err == nil {
		if vals, ok := el.Value.GetValue().([]int); ok && len(vals) > 0 {
			seriesNumber = vals[0]
		}
	}

	return anonymize.Instance{
		Dataset:      ds,
		Manufacturer: manufacturer,
		SeriesNumber: seriesNumber,
	}, nil
}
