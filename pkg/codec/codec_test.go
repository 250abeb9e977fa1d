package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paper struct {
	ID     int64    `json:"id" msgpack:"id"`
	Title  string   `json:"title" msgpack:"title"`
	Topics []string `json:"topics" msgpack:"topics"`
}

func TestEncodePicksTag(t *testing.T) {
	tests := []struct {
		name  string
		value any
		kind  Kind
	}{
		{"map", map[string]any{"a": 1.0}, KindJSON},
		{"slice", []any{"x", 2.0}, KindJSON},
		{"array", [2]int{1, 2}, KindJSON},
		{"nil", nil, KindJSON},
		{"string", "hello", KindRaw},
		{"int", int64(42), KindBinary},
		{"bool", true, KindBinary},
		{"struct", paper{ID: 1}, KindJSON},
		{"struct pointer", &paper{ID: 1}, KindJSON},
		{"nil pointer", (*paper)(nil), KindJSON},
		{"time", time.Unix(0, 0), KindBinary},
		{"bytes", []byte{0x00, 0xff}, KindBinary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, err := Encode(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, val.Kind())
		})
	}
}

func TestRoundTrip(t *testing.T) {
	values := []any{
		map[string]any{"title": "Attention", "score": 9.5, "tags": []any{"nlp", "ml"}, "draft": false},
		[]any{"a", 1.5, nil, map[string]any{"nested": "yes"}},
		map[string]any{"outer": map[string]any{"inner": map[string]any{"depth": 3.0}}},
		map[string]any{},
		[]any{},
		map[string]any{"quote": `say "hi"`, "path": `C:\data\x`, "lines": "a\nb\tc"},
		"plain text with json: inside",
		`she said "yes" \ and left`,
		"line one\nline two\r\n",
		"",
		int64(-7),
		uint64(1 << 40),
		3.25,
		true,
		[]byte("raw bytes"),
		nil,
	}

	for _, v := range values {
		wire, err := Marshal(v)
		require.NoError(t, err)

		got, err := Decode(wire)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestDecodeCanonicalNumbers(t *testing.T) {
	type score int

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"small int", 42, int64(42)},
		{"int above int8", 200, int64(200)},
		{"negative int8", int8(-3), int64(-3)},
		{"int32", int32(70000), int64(70000)},
		{"named int", score(5), int64(5)},
		{"uint", uint(7), uint64(7)},
		{"uint8", uint8(255), uint64(255)},
		{"float32", float32(1.5), 1.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Marshal(tt.value)
			require.NoError(t, err)

			got, err := Decode(wire)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeMatchesDecode(t *testing.T) {
	values := []any{
		map[string]any{"id": 1},
		paper{ID: 1, Title: "t"},
		&paper{ID: 2, Topics: []string{}},
		[]int{1, 2, 3},
		42,
		"text",
	}

	for _, v := range values {
		norm, err := Normalize(v)
		require.NoError(t, err)

		wire, err := Marshal(v)
		require.NoError(t, err)
		decoded, err := Decode(wire)
		require.NoError(t, err)

		assert.Equal(t, decoded, norm)
	}

	norm, err := Normalize(paper{ID: 1, Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": 1.0, "title": "t", "topics": nil}, norm)
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	wire, err := Marshal(in)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)
	ts, ok := got.(time.Time)
	require.True(t, ok)
	assert.True(t, in.Equal(ts))
}

func TestRoundTripStructInto(t *testing.T) {
	in := paper{ID: 12, Title: "Deep Residual Learning", Topics: []string{"vision"}}

	wire, err := Marshal(in)
	require.NoError(t, err)

	var out paper
	require.NoError(t, DecodeInto(wire, &out))
	assert.Equal(t, in, out)
}

func TestDecodeIntoJSONTarget(t *testing.T) {
	val, err := EncodeJSON(paper{ID: 3, Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, KindJSON, val.Kind())

	var out paper
	require.NoError(t, DecodeInto(val.Bytes(), &out))
	assert.Equal(t, int64(3), out.ID)
}

func TestDecodeLegacyValues(t *testing.T) {
	got, err := Decode([]byte(`{"legacy": true}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"legacy": true}, got)

	got, err = Decode([]byte("not json at all"))
	require.NoError(t, err)
	assert.Equal(t, "not json at all", got)

	got, err = Decode([]byte("pickle:\x80\x04K*."))
	require.NoError(t, err)
	assert.Equal(t, "pickle:\x80\x04K*.", got)
}

func TestDecodeCorruptTaggedPayload(t *testing.T) {
	_, err := Decode([]byte("json:{broken"))
	assert.True(t, IsSerialization(err))

	_, err = Decode([]byte("bin:\xc1"))
	assert.True(t, IsSerialization(err))
}

func TestDecodeIntoTextMismatch(t *testing.T) {
	var n int
	err := DecodeInto([]byte("str:hello"), &n)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	var s string
	require.NoError(t, DecodeInto([]byte("str:hello"), &s))
	assert.Equal(t, "hello", s)
}

func TestEncodeUnsupportedValue(t *testing.T) {
	_, err := Encode(map[string]any{"ch": make(chan int)})
	assert.True(t, IsSerialization(err))
}

func TestParse(t *testing.T) {
	val, ok := Parse([]byte("str:abc"))
	require.True(t, ok)
	assert.Equal(t, KindRaw, val.Kind())
	assert.Equal(t, []byte("abc"), val.Payload())
	assert.Equal(t, "str", val.Kind().String())

	_, ok = Parse([]byte("abc"))
	assert.False(t, ok)
}
