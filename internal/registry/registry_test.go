package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadLines_SkipsCommentsAndBlanks(t *testing.T) {
	input := "# header\n\nhttps://a.example/list.txt\n  https://b.example/list.txt  \n#trailing\n"
	urls, err := LoadLines(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example/list.txt", "https://b.example/list.txt"}, urls)
}

func TestRegister_PreservesOrderAndDedupes(t *testing.T) {
	r := New()
	for _, u := range []string{"https://a.example/x", "https://b.example/y", "https://a.example/x"} {
		_, err := r.Register(u)
		require.NoError(t, err)
	}
	require.Equal(t, 2, r.Len())

	all := r.All()
	require.Equal(t, "https://a.example/x", all[0].URL)
	require.Equal(t, "https://b.example/y", all[1].URL)
}

func TestRecordFailure_DemotesAfterThreshold(t *testing.T) {
	r := New()
	_, err := r.Register("https://a.example/x")
	require.NoError(t, err)
	_, err = r.Register("https://b.example/y")
	require.NoError(t, err)

	for i := 0; i < DemoteAfter; i++ {
		r.RecordFailure("https://a.example/x", 0)
	}

	all := r.All()
	require.Len(t, all, 2, "demotion never drops a source mid-run")
	require.Equal(t, "https://b.example/y", all[0].URL)
	require.Equal(t, "https://a.example/x", all[1].URL)
	require.True(t, all[1].Demoted)
}

func TestRecordSuccess_ResetsConsecutiveFailures(t *testing.T) {
	r := New()
	_, err := r.Register("https://a.example/x")
	require.NoError(t, err)

	r.RecordFailure("https://a.example/x", 0)
	r.RecordFailure("https://a.example/x", 0)
	r.RecordSuccess("https://a.example/x")

	require.Equal(t, 0, r.Get("https://a.example/x").ConsecutiveFailures)
}

func TestRollingRate_MovesTowardObservations(t *testing.T) {
	r := New()
	_, err := r.Register("https://a.example/x")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		r.RecordSuccess("https://a.example/x")
	}
	high := r.Get("https://a.example/x").RollingSuccessRate
	require.Greater(t, high, 0.8)

	for i := 0; i < 10; i++ {
		r.RecordFailure("https://a.example/x", 100)
	}
	low := r.Get("https://a.example/x").RollingSuccessRate
	require.Less(t, low, high)
}
