package project

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDirAndResolve(t *testing.T) {
	r, err := LoadDir("testdata/projects")
	require.NoError(t, err)

	cfg, err := r.Get("p1")
	require.NoError(t, err)
	require.True(t, cfg.ModalityAllowed("MR"))
	require.False(t, cfg.ModalityAllowed("US"))
	require.True(t, cfg.SeriesFiltered("Axial LOCALIZER"))
	require.False(t, cfg.SeriesFiltered("Axial T1"))
	require.True(t, cfg.ManufacturerAllowed("SIEMENS", 1))
	require.False(t, cfg.ManufacturerAllowed("SIEMENS", 99))
	require.False(t, cfg.ManufacturerAllowed("Philips", 1))

	patientName := Tag{Group: 0x0010, Element: 0x0010}

	base := cfg.TagScheme.Resolve(patientName, "Canon")
	require.Equal(t, OpDelete, base.Op)

	overridden := cfg.TagScheme.Resolve(patientName, "SIEMENS")
	require.Equal(t, OpReplace, overridden.Op)
	require.Equal(t, "ANON", overridden.Replace)

	unlisted := cfg.TagScheme.Resolve(Tag{Group: 0x0099, Element: 0x0001}, "SIEMENS")
	require.Equal(t, OpDelete, unlisted.Op)
}

func TestUnknownProject(t *testing.T) {
	r, err := LoadDir("testdata/projects")
	require.NoError(t, err)

	_, err = r.Get("does-not-exist")
	require.Error(t, err)
}
