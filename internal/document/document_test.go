package document

import (
	"errors"
	"math"
	"math/rand"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_TypeOrder(t *testing.T) {
	date := time.UnixMilli(1000)
	ordered := []any{
		Undefined,
		nil,
		-3.5,
		10,
		"",
		"abc",
		false,
		true,
		date,
		[]any{},
		[]any{1.0},
		map[string]any{},
		map[string]any{"a": 1.0},
	}
	for i := range ordered {
		for j := range ordered {
			got := Compare(ordered[i], ordered[j])
			switch {
			case i < j:
				assert.Equal(t, -1, got, "%v < %v", ordered[i], ordered[j])
			case i > j:
				assert.Equal(t, 1, got, "%v > %v", ordered[i], ordered[j])
			default:
				assert.Equal(t, 0, got)
			}
		}
	}
}

func TestCompare_Arrays(t *testing.T) {
	assert.Equal(t, -1, Compare([]any{1.0, 2.0}, []any{1.0, 2.0, 0.0}))
	assert.Equal(t, 1, Compare([]any{1.0, 3.0}, []any{1.0, 2.0, 9.0}))
	assert.Equal(t, 0, Compare([]any{"a", 1}, []any{"a", 1.0}))
}

func TestCompare_Objects(t *testing.T) {
	assert.Equal(t, -1, Compare(map[string]any{"a": 1.0}, map[string]any{"b": 1.0}))
	assert.Equal(t, -1, Compare(map[string]any{"a": 1.0}, map[string]any{"a": 2.0}))
	assert.Equal(t, -1, Compare(map[string]any{"a": 1.0}, map[string]any{"a": 1.0, "b": 0.0}))
	assert.True(t, Equal(map[string]any{"a": []any{1, "x"}}, map[string]any{"a": []any{1.0, "x"}}))
}

func randomValue(r *rand.Rand, depth int) any {
	n := 7
	if depth > 1 {
		n = 5
	}
	switch r.Intn(n) {
	case 0:
		return nil
	case 1:
		return float64(r.Intn(5))
	case 2:
		return []string{"a", "b", "5"}[r.Intn(3)]
	case 3:
		return r.Intn(2) == 0
	case 4:
		return time.UnixMilli(int64(r.Intn(3)))
	case 5:
		out := make([]any, r.Intn(3))
		for i := range out {
			out[i] = randomValue(r, depth+1)
		}
		return out
	default:
		out := map[string]any{}
		for i := 0; i < r.Intn(3); i++ {
			out[[]string{"x", "y", "z"}[r.Intn(3)]] = randomValue(r, depth+1)
		}
		return out
	}
}

func TestCompare_TotalOrderProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	values := make([]any, 60)
	for i := range values {
		values[i] = randomValue(r, 0)
	}
	for _, a := range values {
		for _, b := range values {
			assert.Equal(t, Compare(a, b), -Compare(b, a), "antisymmetry %v %v", a, b)
			if Compare(a, b) > 0 {
				continue
			}
			for _, c := range values {
				if Compare(b, c) <= 0 {
					assert.LessOrEqual(t, Compare(a, c), 0, "transitivity %v %v %v", a, b, c)
				}
			}
		}
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	doc := Document{
		"_id":     "abc",
		"n":       42.5,
		"s":       "hello",
		"b":       true,
		"null":    nil,
		"when":    time.UnixMilli(1700000000123),
		"pattern": regexp.MustCompile(`(?i)^ab+c`),
		"nested": map[string]any{
			"list": []any{1.0, "two", map[string]any{"deep": time.UnixMilli(5)}},
		},
	}

	raw, err := Serialize(doc)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"$$date":1700000000123`)
	assert.Contains(t, string(raw), `"$$regex":"/^ab+c/i"`)

	back, err := Deserialize(raw)
	require.NoError(t, err)
	assert.True(t, Equal(doc, back), "round trip changed the document: %v", back)
	assert.Equal(t, "(?i)^ab+c", back["pattern"].(*regexp.Regexp).String())
}

func TestSerialize_DropsUndefined(t *testing.T) {
	raw, err := Serialize(Document{"_id": "x", "gone": Undefined})
	require.NoError(t, err)
	back, err := Deserialize(raw)
	require.NoError(t, err)
	_, ok := back["gone"]
	assert.False(t, ok)
}

func TestCheckObject(t *testing.T) {
	assert.NoError(t, CheckObject(map[string]any{"a": map[string]any{"b": []any{map[string]any{"c": 1}}}}))
	assert.NoError(t, CheckObject(map[string]any{"d": map[string]any{"$$date": 12.0}}))

	var verr *ValidationError
	err := CheckObject(map[string]any{"$bad": 1})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "$bad", verr.Key)

	err = CheckObject(map[string]any{"ok": []any{map[string]any{"a.b": 1}}})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "a.b", verr.Key)

	assert.Error(t, CheckObject(map[string]any{"$$date": "not a number"}))
}

func TestGetDotValue(t *testing.T) {
	doc := Document{
		"a": map[string]any{"b": map[string]any{"c": 3.0}},
		"l": []any{map[string]any{"x": 1.0}, map[string]any{"y": 2.0}},
	}
	assert.Equal(t, 3.0, GetDotValue(doc, "a.b.c"))
	assert.True(t, IsUndefined(GetDotValue(doc, "a.z")))
	assert.Equal(t, map[string]any{"y": 2.0}, GetDotValue(doc, "l.1"))
	assert.True(t, IsUndefined(GetDotValue(doc, "l.7")))

	mapped := GetDotValue(doc, "l.x").([]any)
	assert.Equal(t, 1.0, mapped[0])
	assert.True(t, IsUndefined(mapped[1]))
}

func TestProjection_DistinguishesTypes(t *testing.T) {
	seen := map[string]bool{}
	for _, v := range []any{"5", 5, time.UnixMilli(5), true, "true", nil, Undefined} {
		p := Projection(v)
		assert.False(t, seen[p], "projection collision for %v", v)
		seen[p] = true
	}
	assert.Equal(t, Projection(5), Projection(5.0))
}

func TestDeepCopyAndNormalize(t *testing.T) {
	orig := Document{"a": []any{1, map[string]any{"b": int64(2)}}}
	cp := CopyDocument(orig)
	cp["a"].([]any)[1].(map[string]any)["b"] = "changed"
	assert.Equal(t, int64(2), orig["a"].([]any)[1].(map[string]any)["b"])

	Normalize(orig)
	assert.Equal(t, 1.0, orig["a"].([]any)[0])
	assert.Equal(t, 2.0, orig["a"].([]any)[1].(map[string]any)["b"])
}

func TestNormalize_TruncatesDatesToMilliseconds(t *testing.T) {
	when := time.Date(2024, 3, 1, 10, 4, 5, 123456789, time.UTC)
	doc := Document{"d": when, "l": []any{when}}
	Normalize(doc)

	got := doc["d"].(time.Time)
	assert.Equal(t, when.UnixMilli(), got.UnixMilli())
	assert.Equal(t, 123000000, got.Nanosecond())
	assert.Equal(t, 0, Compare(got, doc["l"].([]any)[0]))

	raw, err := Serialize(doc)
	require.NoError(t, err)
	back, err := Deserialize(raw)
	require.NoError(t, err)
	assert.True(t, Equal(doc, back), "round trip changed the document: %v", back)
	assert.Equal(t, Projection(doc["d"]), Projection(back["d"]))
}

func TestCompare_NaN(t *testing.T) {
	nan := math.NaN()
	assert.Equal(t, 0, Compare(nan, nan))
	assert.Equal(t, -1, Compare(nan, math.Inf(-1)))
	assert.Equal(t, -1, Compare(nan, 0.0))
	assert.Equal(t, 1, Compare(5.0, nan))
	assert.Equal(t, -1, Compare(nan, "a"))

	values := []any{2.0, nan, -1.0, 0.0, nan, 1.0}
	for _, a := range values {
		for _, b := range values {
			assert.Equal(t, Compare(a, b), -Compare(b, a))
			for _, c := range values {
				if Compare(a, b) <= 0 && Compare(b, c) <= 0 {
					assert.LessOrEqual(t, Compare(a, c), 0, "transitivity %v %v %v", a, b, c)
				}
			}
		}
	}
	assert.False(t, Equal(nan, 1.0))
}

func TestCheckObject_RejectsNonFiniteNumbers(t *testing.T) {
	var verr *ValidationError
	err := CheckObject(map[string]any{"n": math.NaN()})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "n", verr.Key)

	err = CheckObject(map[string]any{"nested": map[string]any{"l": []any{1.0, math.Inf(1)}}})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "l", verr.Key)

	assert.NoError(t, CheckObject(map[string]any{"n": math.MaxFloat64}))
}
