package encoding

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVDpl/go-live-logkv/internal/common"
)

func TestEncodeTupleLayout(t *testing.T) {
	buf, err := EncodeTuple("ab", "xyz")
	require.NoError(t, err)

	require.Len(t, buf, 4+2+3+1)
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(buf[0:2]))
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(buf[2:4]))
	assert.Equal(t, "abxyz", string(buf[4:9]))
	assert.Equal(t, byte('\n'), buf[9])
}

func TestEncodeTupleSizeLimit(t *testing.T) {
	key := "k"
	// Exactly MaxTupleSize bytes.
	value := strings.Repeat("v", common.MaxTupleSize-common.TupleFixedSize-len(key))
	buf, err := EncodeTuple(key, value)
	require.NoError(t, err)
	assert.Len(t, buf, common.MaxTupleSize)

	tuples, err := DecodeChunk(buf)
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, value, tuples[0].Value)

	_, err = EncodeTuple(key, value+"v")
	assert.ErrorIs(t, err, common.ErrTupleTooLarge)
}

func TestDecodeChunkOrderAndRaw(t *testing.T) {
	var payload []byte
	pairs := [][2]string{{"a", "1"}, {"b", ""}, {"", "empty-key"}, {"a", "3"}}
	for _, p := range pairs {
		buf, err := EncodeTuple(p[0], p[1])
		require.NoError(t, err)
		payload = append(payload, buf...)
	}

	tuples, err := DecodeChunk(payload)
	require.NoError(t, err)
	require.Len(t, tuples, len(pairs))
	for i, p := range pairs {
		assert.Equal(t, p[0], tuples[i].Key)
		assert.Equal(t, p[1], tuples[i].Value)
		want, _ := EncodeTuple(p[0], p[1])
		assert.Equal(t, want, tuples[i].Raw)
	}

	assert.Equal(t, payload, JoinTuples(tuples))
}

func TestDecodeChunkCorrupt(t *testing.T) {
	good, err := EncodeTuple("key", "value")
	require.NoError(t, err)

	cases := map[string][]byte{
		"short header":   good[:3],
		"short body":     good[:len(good)-2],
		"bad terminator": append(append([]byte{}, good[:len(good)-1]...), 'x'),
		"length overrun": {0xFF, 0xFF, 0x00, 0x00, 'a', '\n'},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeChunk(payload)
			assert.ErrorIs(t, err, common.ErrCorruptSegment)
		})
	}

	tuples, err := DecodeChunk(nil)
	require.NoError(t, err)
	assert.Empty(t, tuples)
}

func validPrefix(t *testing.T, payload []byte) int {
	t.Helper()
	n, err := ValidPrefix(payload)
	require.NoError(t, err)
	return n
}

func TestValidPrefix(t *testing.T) {
	a, _ := EncodeTuple("a", "1")
	b, _ := EncodeTuple("b", "2")
	payload := append(append([]byte{}, a...), b...)

	assert.Equal(t, len(payload), validPrefix(t, payload))
	assert.Equal(t, len(a), validPrefix(t, payload[:len(payload)-1]))
	assert.Equal(t, len(a), validPrefix(t, payload[:len(a)+3]))
	assert.Equal(t, 0, validPrefix(t, a[:2]))
	assert.Equal(t, 0, validPrefix(t, nil))
}

func TestValidPrefixRejectsDamageBeforeTheEnd(t *testing.T) {
	a, _ := EncodeTuple("a", "1")
	b, _ := EncodeTuple("b", "2")
	c, _ := EncodeTuple("c", "3")
	payload := append(append(append([]byte{}, a...), b...), c...)

	// Bad terminator in the first record, whole records after it.
	damaged := append([]byte{}, payload...)
	damaged[len(a)-1] = 'X'
	n, err := ValidPrefix(damaged)
	assert.ErrorIs(t, err, common.ErrCorruptSegment)
	assert.Equal(t, 0, n)

	// Bad terminator on the last record, which is otherwise complete.
	damaged = append([]byte{}, payload...)
	damaged[len(damaged)-1] = 'X'
	n, err = ValidPrefix(damaged)
	assert.ErrorIs(t, err, common.ErrCorruptSegment)
	assert.Equal(t, len(a)+len(b), n)

	// A shrunken value length leaves the record followed by stray bytes.
	damaged = append([]byte{}, payload...)
	damaged[len(a)+3] = 0
	_, err = ValidPrefix(damaged)
	assert.ErrorIs(t, err, common.ErrCorruptSegment)
}

func TestCompactHeader(t *testing.T) {
	payload, _ := EncodeTuple("k", "v")
	data, err := AddCompactHeader(payload)
	require.NoError(t, err)
	require.Len(t, data, common.HeaderSize+len(payload))
	assert.Equal(t, CompactTag, binary.BigEndian.Uint16(data[0:2]))
	assert.Equal(t, uint16(len(data)), binary.BigEndian.Uint16(data[2:4]))

	got, err := StripCompactHeader(data)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	empty, err := AddCompactHeader(nil)
	require.NoError(t, err)
	got, err = StripCompactHeader(empty)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStripCompactHeaderRejects(t *testing.T) {
	payload, _ := EncodeTuple("k", "v")
	data, err := AddCompactHeader(payload)
	require.NoError(t, err)

	badTag := append([]byte{}, data...)
	binary.BigEndian.PutUint16(badTag[0:2], 1)
	_, err = StripCompactHeader(badTag)
	assert.ErrorIs(t, err, common.ErrCorruptSegment)

	_, err = StripCompactHeader(data[:len(data)-1])
	assert.ErrorIs(t, err, common.ErrCorruptSegment)

	_, err = StripCompactHeader(append(append([]byte{}, data...), 0))
	assert.ErrorIs(t, err, common.ErrCorruptSegment)

	_, err = StripCompactHeader(data[:2])
	assert.ErrorIs(t, err, common.ErrCorruptSegment)
}

func TestTupleRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(k, v)) == (k, v)", prop.ForAll(
		func(key, value string) bool {
			buf, err := EncodeTuple(key, value)
			if err != nil {
				return false
			}
			tuples, err := DecodeChunk(buf)
			return err == nil && len(tuples) == 1 &&
				tuples[0].Key == key && tuples[0].Value == value
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("concatenated tuples decode in order", prop.ForAll(
		func(keys []string) bool {
			var payload []byte
			for i, k := range keys {
				buf, err := EncodeTuple(k, strings.Repeat("x", i%7))
				if err != nil {
					return false
				}
				payload = append(payload, buf...)
			}
			tuples, err := DecodeChunk(payload)
			if err != nil || len(tuples) != len(keys) {
				return false
			}
			for i, k := range keys {
				if tuples[i].Key != k {
					return false
				}
			}
			n, err := ValidPrefix(payload)
			return err == nil && n == len(payload)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
