package stt

import (
	"reflect"
	"testing"
)

func TestHandle_ReserveRelease(t *testing.T) {
	h := NewHandle(nil)

	h.Reserve("en-US")
	h.Reserve("en_us")
	h.Reserve("fr")

	if got := h.Reserved(); !reflect.DeepEqual(got, []string{"en-us", "fr"}) {
		t.Errorf("Expected [en-us fr], got %v", got)
	}

	h.Release("en-US")
	if !h.IsReserved("en-US") {
		t.Error("Expected en-US to stay reserved after one of two releases")
	}
	h.Release("EN-us")
	if h.IsReserved("en-US") {
		t.Error("Expected en-US to be released")
	}

	h.ReleaseAll()
	if len(h.Reserved()) != 0 {
		t.Errorf("Expected no reservations, got %v", h.Reserved())
	}
}

func TestContainsLocale(t *testing.T) {
	locales := []string{"en-US", "de"}

	if !ContainsLocale(locales, "en_us") {
		t.Error("Expected en_us to match en-US")
	}
	if ContainsLocale(locales, "en-GB") {
		t.Error("Expected en-GB not to match")
	}
}
