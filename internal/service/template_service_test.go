package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dripline/outreach-backend/internal/model"
)

func TestRenderTemplate(t *testing.T) {
	out := RenderTemplate("Hey {{name}}, saw your post @{{username}}!", map[string]string{
		"name":     "Amara",
		"username": "amara.dev",
	})
	assert.Equal(t, "Hey Amara, saw your post @amara.dev!", out)

	// Unknown placeholders stay put instead of rendering as empty text.
	out = RenderTemplate("Hi {{name}}, about {{topic}}", map[string]string{"name": "Jo"})
	assert.Equal(t, "Hi Jo, about {{topic}}", out)
}

func TestRenderForContactFallsBackToUsername(t *testing.T) {
	withName := &model.Contact{Username: "jchen_builds", DisplayName: "Jordan Chen"}
	assert.Equal(t, "Hi Jordan Chen (@jchen_builds)",
		RenderForContact("Hi {{name}} (@{{username}})", withName))

	noName := &model.Contact{Username: "lena_io"}
	assert.Equal(t, "Hi lena_io (@lena_io)",
		RenderForContact("Hi {{name}} (@{{username}})", noName))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("hello")
	b := Fingerprint("hello")
	c := Fingerprint("hello!")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
