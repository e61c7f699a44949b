package validation

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
)

func newTestDS(t *testing.T) datastore.Interface {
	t.Helper()
	settings := &conf.Settings{}
	settings.Database.SQLite.Enabled = true
	settings.Database.SQLite.Path = filepath.Join(t.TempDir(), "test.db")
	ds := datastore.New(settings)
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func seedVideo(t *testing.T, ds datastore.Interface, uuid string) *datastore.Video {
	t.Helper()
	video := &datastore.Video{
		UUID:       uuid,
		RawFile:    "/tmp/" + uuid + ".mp4",
		RawHash:    "hash-" + uuid,
		FPS:        30,
		FrameCount: 100,
	}
	require.NoError(t, ds.CreateVideo(video))
	return video
}

func verifiedMeta(t *testing.T, ds datastore.Interface, video *datastore.Video) {
	t.Helper()
	meta := &datastore.SensitiveMeta{FirstName: "Maria", LastName: "Musterfrau"}
	require.NoError(t, ds.SaveSensitiveMeta(meta, "salt"))
	require.NoError(t, ds.AttachSensitiveMeta(video.ID, meta.ID))
	yes := true
	require.NoError(t, ds.VerifySensitiveMeta(meta.ID, &yes, &yes))

	fresh, err := ds.GetSensitiveMeta(meta.ID)
	require.NoError(t, err)
	video.SensitiveMeta = fresh
	video.SensitiveMetaID = &meta.ID
}

func TestCanAnonymizeRequirementOrder(t *testing.T) {
	ds := newTestDS(t)
	c := New(ds)
	video := seedVideo(t, ds, "gate-order")

	// Raw gone.
	video.RawFile = ""
	r, err := c.CanAnonymize(video)
	require.NoError(t, err)
	assert.False(t, r.Ready())
	assert.Equal(t, "raw video file is gone", r.Explain())

	// Raw present, frames missing.
	video.RawFile = "/tmp/gate-order.mp4"
	r, err = c.CanAnonymize(video)
	require.NoError(t, err)
	assert.Equal(t, "frames are not extracted", r.Explain())

	// Frames extracted, no metadata.
	require.NoError(t, ds.MarkFramesExtracted(video.ID, true))
	r, err = c.CanAnonymize(video)
	require.NoError(t, err)
	assert.Equal(t, "no sensitive metadata on record", r.Explain())

	// Metadata present but unverified.
	meta := &datastore.SensitiveMeta{FirstName: "A", LastName: "B"}
	require.NoError(t, ds.SaveSensitiveMeta(meta, "salt"))
	require.NoError(t, ds.AttachSensitiveMeta(video.ID, meta.ID))
	video.SensitiveMeta = meta
	r, err = c.CanAnonymize(video)
	require.NoError(t, err)
	assert.Equal(t, "sensitive metadata is not verified", r.Explain())
}

func TestCanAnonymizeMissingOutsideLabelPasses(t *testing.T) {
	ds := newTestDS(t)
	c := New(ds)
	video := seedVideo(t, ds, "gate-nolabel")
	require.NoError(t, ds.MarkFramesExtracted(video.ID, true))
	verifiedMeta(t, ds, video)

	r, err := c.CanAnonymize(video)
	require.NoError(t, err)
	assert.True(t, r.Ready(), "an empty taxonomy cannot block anonymization")
	assert.Empty(t, r.Explain())
}

func TestCanAnonymizeBlocksOnUnvalidatedOutsideSegments(t *testing.T) {
	ds := newTestDS(t)
	c := New(ds)
	video := seedVideo(t, ds, "gate-outside")
	require.NoError(t, ds.MarkFramesExtracted(video.ID, true))
	verifiedMeta(t, ds, video)

	label, err := ds.GetOrCreateLabel(datastore.OutsideLabelName)
	require.NoError(t, err)
	_, err = ds.CreateSegments([]datastore.LabelVideoSegment{
		{VideoID: video.ID, LabelID: label.ID, StartFrameNumber: 0, EndFrameNumber: 10},
		{VideoID: video.ID, LabelID: label.ID, StartFrameNumber: 20, EndFrameNumber: 30},
	})
	require.NoError(t, err)
	require.NoError(t, ds.EnsureSegmentStates(video.ID))

	r, err := c.CanAnonymize(video)
	require.NoError(t, err)
	assert.False(t, r.Ready())
	assert.EqualValues(t, 2, r.UnvalidatedCount)
	assert.Equal(t, "2 outside segments await validation", r.Explain())

	segments, err := ds.GetSegments(video.ID)
	require.NoError(t, err)
	for _, s := range segments {
		require.NoError(t, c.ValidateSegment(s.ID))
	}

	r, err = c.CanAnonymize(video)
	require.NoError(t, err)
	assert.True(t, r.Ready())
}

func TestValidateLastSegmentMarksVideoAnnotated(t *testing.T) {
	ds := newTestDS(t)
	c := New(ds)
	video := seedVideo(t, ds, "annotate-done")

	label, err := ds.GetOrCreateLabel("polyp")
	require.NoError(t, err)
	_, err = ds.CreateSegments([]datastore.LabelVideoSegment{
		{VideoID: video.ID, LabelID: label.ID, StartFrameNumber: 0, EndFrameNumber: 10},
		{VideoID: video.ID, LabelID: label.ID, StartFrameNumber: 20, EndFrameNumber: 30},
	})
	require.NoError(t, err)
	require.NoError(t, ds.EnsureSegmentStates(video.ID))

	segments, err := ds.GetSegments(video.ID)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	require.NoError(t, c.ValidateSegment(segments[0].ID))
	state, err := ds.GetOrCreateState(video.ID)
	require.NoError(t, err)
	assert.False(t, state.LvsAnnotated, "one of two reviewed is not done")

	require.NoError(t, c.ValidateSegment(segments[1].ID))
	state, err = ds.GetOrCreateState(video.ID)
	require.NoError(t, err)
	assert.True(t, state.LvsAnnotated)
}

func TestAddManualSegmentReopensReview(t *testing.T) {
	ds := newTestDS(t)
	c := New(ds)
	video := seedVideo(t, ds, "annotate-reopen")
	require.NoError(t, ds.MarkLvsAnnotated(video.ID, true))

	segment, err := c.AddManualSegment(video, "polyp", 5, 15)
	require.NoError(t, err)
	require.NotNil(t, segment)
	assert.Nil(t, segment.PredictionMetaID)

	state, err := ds.GetOrCreateState(video.ID)
	require.NoError(t, err)
	assert.False(t, state.LvsAnnotated, "new segments need review")

	require.NoError(t, c.ValidateSegment(segment.ID))
	state, err = ds.GetOrCreateState(video.ID)
	require.NoError(t, err)
	assert.True(t, state.LvsAnnotated)
}

func TestApproveAnonymizationRequiresOutput(t *testing.T) {
	ds := newTestDS(t)
	c := New(ds)
	video := seedVideo(t, ds, "approve-out")

	require.Error(t, c.ApproveAnonymization(video), "nothing to approve yet")

	require.NoError(t, ds.MarkAnonymized(video.ID, true))
	require.NoError(t, ds.UpdateVideoColumns(video.ID, map[string]any{"processed_file": "/tmp/out.mp4"}))
	fresh, err := ds.RefetchVideo(video.ID)
	require.NoError(t, err)

	require.NoError(t, c.ApproveAnonymization(fresh))
	state, err := ds.GetOrCreateState(video.ID)
	require.NoError(t, err)
	assert.True(t, state.AnonymizationValid)
}

func TestVerifySensitiveMetaRequiresRecord(t *testing.T) {
	ds := newTestDS(t)
	c := New(ds)
	video := seedVideo(t, ds, "verify-none")

	yes := true
	err := c.VerifySensitiveMeta(video, &yes, nil)
	require.Error(t, err)
}
