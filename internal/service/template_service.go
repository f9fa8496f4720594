// internal/service/template_service.go
package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/dripline/outreach-backend/internal/model"
)

// RenderTemplate substitutes {{key}} placeholders in a raw variant body.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{{"+k+"}}", v)
	}
	return result
}

// RenderForContact resolves a variant body for a contact: {{name}} becomes
// the display name (falling back to the username), {{username}} the handle.
func RenderForContact(template string, contact *model.Contact) string {
	name := contact.DisplayName
	if name == "" {
		name = contact.Username
	}
	return RenderTemplate(template, map[string]string{
		"name":     name,
		"username": contact.Username,
	})
}

// Fingerprint hashes resolved message text. The delivery agent uses it to
// refuse sending the same text twice in quick succession.
func Fingerprint(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])
}
