package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInlineDataURL(t *testing.T) {
	assert.Equal(t, "data:image/png;base64,aGk=", InlineDataURL([]byte("hi"), "image/png"))
	assert.Equal(t, "data:application/octet-stream;base64,aGk=", InlineDataURL([]byte("hi"), ""))
	assert.True(t, IsInlineURL(InlineDataURL([]byte("hi"), "image/png")))
	assert.False(t, IsInlineURL("https://cdn.example.com/a.png"))
}

func TestObjectKey(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	key := ObjectKey("/staging/", "42", "original", "image/jpeg", now)
	assert.True(t, strings.HasPrefix(key, "staging/2026/03/04/42/original-"), key)
	assert.True(t, strings.HasSuffix(key, ".jpg"), key)
	assert.Equal(t, ".bin", ExtensionFor("text/plain"))
	assert.Equal(t, ".png", ExtensionFor("image/png; charset=binary"))
}
