package normalizers

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases", "Organizacion Social", "organizacion social"},
		{"strips accents", "organización social", "organizacion social"},
		{"keeps enie", "Año de la Niña", "año de la niña"},
		{"keeps decomposed enie", "an\u0303o", "año"},
		{"hyphens become spaces", "auto-organización", "auto organizacion"},
		{"underscores become spaces", "falta_de_agua", "falta de agua"},
		{"collapses whitespace", "  falta \t de\n agua  ", "falta de agua"},
		{"punctuation becomes spaces", "agua, luz; gas", "agua luz gas"},
		{"drops apostrophes", "women's rights", "womens rights"},
		{"inverted marks", "¿Quién decide?", "quien decide"},
		{"empty after normalization", " -_- ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"Organización Social",
		"ÑANDÚ—pequeño",
		"  Falta   de  AGUA ",
		"auto_gestión / cooperativa",
		"e.g. «comillas» “curvas”",
		"naïve café résumé",
		"ñ́",
		"",
	}

	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestNormalizeIsIdempotentForRandomInput(t *testing.T) {
	alphabet := []rune{
		'a', 'N', 'n', 'e', 'E', ' ', '\t', '.', '\'', '`', '’', ';', ',', '-', '_',
		'\u0303', '\u0301', '\u0308', '\u0323',
		'ᄀ', 'ᄂ', 'ᅡ', 'ᅵ', 'ᆨ', 'ᆫ', '가',
		'ñ', 'É', 'ﬁ', 'ß', 'Å', 'େ', 'ା',
	}
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 20000; i++ {
		var b strings.Builder
		for n := rng.Intn(12); n >= 0; n-- {
			b.WriteRune(alphabet[rng.Intn(len(alphabet))])
		}
		in := b.String()
		once := Normalize(in)
		if !assert.Equal(t, once, Normalize(once), "input %q", in) {
			return
		}
	}
}

func FuzzNormalize(f *testing.F) {
	for _, seed := range []string{"Organización Social", "ᄀ.ᅡ", "an\u0303o", "e.g."} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, in string) {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	})
}

func TestRegistry(t *testing.T) {
	fn, ok := Get("label")
	assert.True(t, ok)
	assert.Equal(t, "falta de agua", fn("Falta-de-Agua"))

	_, ok = Get("missing")
	assert.False(t, ok)
	assert.Equal(t, "Same", Apply("Same", "missing"))
	assert.Equal(t, "abc", ApplyChain("  ABC ", "lowercase", "trim"))
}
