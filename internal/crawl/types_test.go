package crawl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	cases := map[string]Timestamp{
		"1700000000":      1700000000,
		" 1700000000 ":    1700000000,
		"170000000012345": 1700000000,
		"1700000000abc":   1700000000,
		"":                0,
		"abc":             0,
		"-5":              0,
	}
	for raw, want := range cases {
		assert.Equal(t, want, ParseTimestamp(raw), "raw=%q", raw)
	}
}

func TestKindDayBucketed(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{KindRobotData, KindSchedule, KindIndex, KindCachePageValidation} {
		assert.True(t, k.DayBucketed(), k)
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, KindFetchSchedule.DayBucketed())
	assert.True(t, KindFetchSchedule.Valid())
	assert.False(t, Kind("Bogus").Valid())
}

func TestBatchPathLayout(t *testing.T) {
	t.Parallel()

	at := time.Unix(1700000000, 0)
	slot := Slot{Kind: KindSchedule, CrawlTime: 1699999999}
	got := BatchPath(slot, at, "10.0.0.1:8080", "abc")
	require.Equal(t, "schedules/Schedule1699999999/19675/At1700000000From10.0.0.1-8080WithHashabc.txt", got)
}

func TestFetchSlotName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "schedules/FetchSchedule42.txt", FetchSlotName(Slot{Kind: KindFetchSchedule, CrawlTime: 42}))
	assert.Equal(t, "schedules/FetchSchedule42_3.txt", FetchSlotName(Slot{Kind: KindFetchSchedule, CrawlTime: 42, Shard: 3}))
}

func TestCrawlTimeFromIndexData(t *testing.T) {
	t.Parallel()

	ts, ok := CrawlTimeFromIndexData(ParamsName(1700000000))
	require.True(t, ok)
	assert.Equal(t, Timestamp(1700000000), ts)

	_, ok = CrawlTimeFromIndexData("cache/IndexDataabc/params.yaml")
	assert.False(t, ok)
	_, ok = CrawlTimeFromIndexData("schedules/crawl_status.txt")
	assert.False(t, ok)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTP://Example.COM:80/a?b=2&a=1#frag": "http://example.com/a?a=1&b=2",
		"https://example.com:443/":             "https://example.com/",
		"https://example.com:8443/x":           "https://example.com:8443/x",
		"  https://example.com/path  ":         "https://example.com/path",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, bad := range []string{"ftp://example.com/", "https:///nohost", "not a url", "://"} {
		_, err := NormalizeURL(bad)
		require.Error(t, err, bad)
	}
}
