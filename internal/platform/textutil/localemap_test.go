package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeLocaleMap(t *testing.T) {
	t.Run("trims and lowercases keys", func(t *testing.T) {
		input := map[string]string{
			" EN ":  " Send a bank transfer. ",
			"pt-BR": "Envie uma transferencia.",
			"de":    "   ",
			" ":     "ignored",
		}

		expected := map[string]string{
			"en":    "Send a bank transfer.",
			"pt-br": "Envie uma transferencia.",
		}

		actual := NormalizeLocaleMap(input)
		if !reflect.DeepEqual(actual, expected) {
			t.Fatalf("expected %#v got %#v", expected, actual)
		}
	})

	t.Run("returns nil for nil or empty input", func(t *testing.T) {
		if NormalizeLocaleMap(nil) != nil {
			t.Fatal("expected nil for nil input")
		}
		if NormalizeLocaleMap(map[string]string{"x": " "}) != nil {
			t.Fatal("expected nil when every entry is empty")
		}
	})
}
