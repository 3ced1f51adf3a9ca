package main

import (
	"testing"
	"unicode/utf8"

	"github.com/go-playground/assert/v2"
)

func TestTruncateName(t *testing.T) {
	assert.Equal(t, truncateName("short", 10), "short")
	assert.Equal(t, truncateName("exactly ten", 11), "exactly ten")
	assert.Equal(t, truncateName("a longer name", 8), "a lon...")
	// too narrow to truncate
	assert.Equal(t, truncateName("a longer name", 3), "a longer name")

	// multi-byte names are cut on rune boundaries
	name := "préparation des données"
	truncated := truncateName(name, 10)
	assert.Equal(t, truncated, "prépara...")
	assert.Equal(t, utf8.ValidString(truncated), true)
	assert.Equal(t, utf8.RuneCountInString(truncated), 10)

	// fits by runes even though it is longer in bytes
	assert.Equal(t, truncateName("日本語の名前", 6), "日本語の名前")
	assert.Equal(t, truncateName("日本語の名前です", 6), "日本語...")
}
