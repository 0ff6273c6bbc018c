package failure

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendStampsAndPreservesOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	log := NewLog().WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	first := log.Append(Record{Kind: KindData, FixTag: FixSchemaMapping, Message: "a"})
	second := log.Append(Record{Kind: KindCode, FixTag: FixScalarSafety, Message: "b"})

	require.Equal(t, 1, first.Seq)
	require.Equal(t, 2, second.Seq)
	require.True(t, second.Time.After(first.Time))
	require.Equal(t, 2, log.Len())

	recs := log.Records()
	recs[0].Message = "mutated"
	require.Equal(t, "a", log.Records()[0].Message)
}

func TestLog_LastAndSummaries(t *testing.T) {
	log := NewLog()
	for i := 0; i < 7; i++ {
		log.Append(Record{Kind: KindTimeout, FixTag: FixSimplify, Message: strings.Repeat("x", 300)})
	}
	last := log.Last(5)
	require.Len(t, last, 5)
	require.Equal(t, 3, last[0].Seq)

	sums := log.Summaries(5)
	require.Len(t, sums, 5)
	assert.Len(t, sums[0].Message, summaryMessageLimit)
	assert.Equal(t, KindTimeout, sums[0].Kind)

	assert.Empty(t, log.Last(0))
	assert.Len(t, log.Last(50), 7)
}

func TestLog_FixTags(t *testing.T) {
	log := NewLog()
	log.Append(Record{Kind: KindCode, FixTag: FixScalarSafety})
	log.Append(Record{Kind: KindUnknown})
	log.Append(Record{Kind: KindData, FixTag: FixSchemaMapping})
	log.Append(Record{Kind: KindCode, FixTag: FixScalarSafety})

	assert.True(t, log.HasFixTag(FixScalarSafety))
	assert.False(t, log.HasFixTag(FixBackoff))
	assert.Equal(t, []FixTag{FixScalarSafety, FixSchemaMapping}, log.FixTags())

	var nilLog *Log
	assert.Zero(t, nilLog.Len())
	assert.False(t, nilLog.HasFixTag(FixScalarSafety))
}

func TestKindText(t *testing.T) {
	for _, k := range Kinds() {
		b, err := k.MarshalText()
		require.NoError(t, err)
		var back Kind
		require.NoError(t, back.UnmarshalText(b))
		require.Equal(t, k, back)
	}
	k, err := ParseKind("network")
	require.NoError(t, err)
	require.Equal(t, KindNetwork, k)
	_, err = ParseKind("cosmic")
	require.Error(t, err)
}

func TestRecordError(t *testing.T) {
	r := Record{Kind: KindData, FixTag: FixSchemaMapping, Message: "column missing"}
	assert.Equal(t, "DataError[schema-mapping]: column missing", r.Error())
	r.FixTag = FixNone
	assert.Equal(t, "DataError: column missing", r.Error())
}
