package content

import (
	"bytes"
	"errors"
	"html/template"
	"regexp"
	"strings"

	"netrax/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Separator joins two usernames into a conversation id. It is never part of
// a valid username.
const Separator = "--"

var (
	policy        = bluemonday.UGCPolicy()
	strictPolicy  = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	markdown      = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough))
)

// Sanitize removes unsafe HTML from the input string using a UGC policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// StripTags removes every tag from the input. Used for display names.
func StripTags(input string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(input))
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts a markdown text body into sanitized HTML.
// On conversion failure the escaped source is returned.
func Render(input string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return Escape(input)
	}
	return strings.TrimSpace(Sanitize(buf.String()))
}

// RenderMessages returns a copy of messages with HTML filled for text bodies.
func RenderMessages(messages []models.Message) []models.Message {
	rendered := make([]models.Message, len(messages))
	copy(rendered, messages)
	for i := range rendered {
		if rendered[i].Type == models.MessageTypeText {
			rendered[i].HTML = Render(rendered[i].Content)
		}
	}
	return rendered
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore), is not empty and cannot be confused
// with the conversation separator.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	if strings.Contains(username, Separator) {
		return errors.New("username cannot contain " + Separator)
	}
	if strings.HasPrefix(username, "-") || strings.HasSuffix(username, "-") {
		return errors.New("username cannot start or end with a dash")
	}
	return nil
}
