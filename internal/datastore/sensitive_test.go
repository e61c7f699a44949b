package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(year int, month time.Month, day int) *time.Time {
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &d
}

func TestPatientHashNormalization(t *testing.T) {
	dob := date(1960, time.March, 14)

	a := ComputePatientHash("Maria", "Musterfrau", dob, "University Clinic", "salt")
	b := ComputePatientHash("  maria ", "MUSTERFRAU", dob, "university clinic", "salt")
	assert.Equal(t, a, b, "case and whitespace noise must not split a patient")

	c := ComputePatientHash("Maria", "Musterfrau", dob, "University Clinic", "other-salt")
	assert.NotEqual(t, a, c, "salt is part of the hash")

	d := ComputePatientHash("Maria", "Musterfrau", date(1960, time.March, 15), "University Clinic", "salt")
	assert.NotEqual(t, a, d)
}

func TestHashPartsAreDelimited(t *testing.T) {
	// "ab"+"c" must not collide with "a"+"bc".
	a := ComputePatientHash("ab", "c", nil, "", "salt")
	b := ComputePatientHash("a", "bc", nil, "", "salt")
	assert.NotEqual(t, a, b)
}

func TestExaminationHashBindsDate(t *testing.T) {
	dob := date(1960, time.March, 14)
	exam1 := ComputeExaminationHash("Maria", "Musterfrau", dob, "Clinic", date(2026, time.January, 10), "salt")
	exam2 := ComputeExaminationHash("Maria", "Musterfrau", dob, "Clinic", date(2026, time.January, 11), "salt")
	assert.NotEqual(t, exam1, exam2)
}

func TestSaveSensitiveMetaResolvesPseudoEntities(t *testing.T) {
	ds := newTestStore(t)
	center, err := ds.GetOrCreateCenter("Clinic A")
	require.NoError(t, err)

	meta := &SensitiveMeta{
		FirstName: "Maria",
		LastName:  "Musterfrau",
		DOB:       date(1960, time.March, 14),
		CenterID:  &center.ID,
	}
	require.NoError(t, ds.SaveSensitiveMeta(meta, "salt"))
	require.NotNil(t, meta.PseudoPatientID)
	require.NotNil(t, meta.PseudoExaminationID)
	assert.NotEmpty(t, meta.PatientHash)
	require.NotNil(t, meta.State)
	assert.False(t, meta.IsVerified())

	// Same identity in a second record resolves to the same pseudo patient.
	other := &SensitiveMeta{
		FirstName: "maria",
		LastName:  "MUSTERFRAU",
		DOB:       date(1960, time.March, 14),
		CenterID:  &center.ID,
	}
	require.NoError(t, ds.SaveSensitiveMeta(other, "salt"))
	assert.Equal(t, *meta.PseudoPatientID, *other.PseudoPatientID)
}

func TestVerifySensitiveMetaPartialUpdates(t *testing.T) {
	ds := newTestStore(t)
	meta := &SensitiveMeta{FirstName: "A", LastName: "B"}
	require.NoError(t, ds.SaveSensitiveMeta(meta, "salt"))

	yes := true
	require.NoError(t, ds.VerifySensitiveMeta(meta.ID, &yes, nil))

	got, err := ds.GetSensitiveMeta(meta.ID)
	require.NoError(t, err)
	assert.True(t, got.State.DOBVerified)
	assert.False(t, got.State.NamesVerified)
	assert.False(t, got.IsVerified())

	require.NoError(t, ds.VerifySensitiveMeta(meta.ID, nil, &yes))
	got, err = ds.GetSensitiveMeta(meta.ID)
	require.NoError(t, err)
	assert.True(t, got.IsVerified())
}

func TestDeleteSensitiveMeta(t *testing.T) {
	ds := newTestStore(t)
	video := seedVideo(t, ds, "video-sm", "hash-sm")

	meta := &SensitiveMeta{FirstName: "A", LastName: "B"}
	require.NoError(t, ds.SaveSensitiveMeta(meta, "salt"))
	require.NoError(t, ds.AttachSensitiveMeta(video.ID, meta.ID))

	require.NoError(t, ds.DeleteSensitiveMeta(video.ID))

	fresh, err := ds.GetVideo(video.ID)
	require.NoError(t, err)
	assert.Nil(t, fresh.SensitiveMetaID)

	_, err = ds.GetSensitiveMeta(meta.ID)
	require.Error(t, err, "identifying record is gone")

	// Deleting again is a no-op.
	require.NoError(t, ds.DeleteSensitiveMeta(video.ID))
}
