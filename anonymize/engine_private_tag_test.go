package anonymize

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/pixl-imaging/pixl-core/project"
)

func TestRewriteElementDropsUnlistedPrivateTag(t *testing.T) {
	e := &Engine{profile: project.AnonymisationProfile{}}
	privateTag := tag.Tag{Group: 0x0009, Element: 0x0010}
	el, err := dicom.NewElement(privateTag, "secret vendor blob")
	require.NoError(t, err)

	got, keep, err := e.rewriteElement(&StudyContext{}, el, "SIEMENS")
	require.NoError(t, err)
	require.False(t, keep)
	require.Nil(t, got)
}

func TestRewriteElementKeepsPrivateTagListedInBaseScheme(t *testing.T) {
	pt := project.Tag{Group: 0x0009, Element: 0x0010}
	e := &Engine{profile: project.AnonymisationProfile{
		Base: map[project.Tag]project.TagOperation{
			pt: {Tag: pt, Op: project.OpKeep},
		},
	}}
	el, err := dicom.NewElement(tag.Tag{Group: pt.Group, Element: pt.Element}, "vendor blob")
	require.NoError(t, err)

	got, keep, err := e.rewriteElement(&StudyContext{}, el, "SIEMENS")
	require.NoError(t, err)
	require.True(t, keep)
	require.Equal(t, el, got)
}
