package video

import (
	"strings"
	"unicode/utf8"
)

const maxPromptLength = 4000

// Official output sizes accepted by the remote API.
var officialSizes = map[string]bool{
	"480x480":   true,
	"720x1280":  true,
	"1080x1920": true,
	"1920x1080": true,
	"2560x1440": true,
}

var sizePresets = map[string]string{
	"1:1":       "480x480",
	"square":    "480x480",
	"9:16":      "1080x1920",
	"portrait":  "1080x1920",
	"vertical":  "1080x1920",
	"16:9":      "1920x1080",
	"landscape": "1920x1080",
	"4:3":       "1920x1080",
}

var allowedSeconds = map[int]bool{4: true, 8: true, 12: true}

// ResolveSize maps an official size or an aspect-ratio preset to a size.
// It returns "" when the preference is not recognized.
func ResolveSize(preference string) string {
	v := strings.ToLower(strings.TrimSpace(preference))
	if v == "" {
		return ""
	}
	if officialSizes[v] {
		return v
	}
	return sizePresets[v]
}

// CreateRequest is the caller's input to job creation.
type CreateRequest struct {
	Prompt      string
	Seconds     int
	Size        string
	AspectRatio string
	Format      string
}

// Normalize validates r and returns the trimmed prompt and the parameters to
// send upstream.
func (r CreateRequest) Normalize() (string, Params, error) {
	prompt := strings.TrimSpace(r.Prompt)
	if prompt == "" {
		return "", Params{}, Invalid("prompt", "is required")
	}
	if utf8.RuneCountInString(prompt) > maxPromptLength {
		return "", Params{}, Invalid("prompt", "must be at most %d characters", maxPromptLength)
	}

	var p Params
	if r.Seconds != 0 {
		if !allowedSeconds[r.Seconds] {
			return "", Params{}, Invalid("seconds", "must be one of 4, 8, 12")
		}
		p.Seconds = r.Seconds
	}

	if s := strings.TrimSpace(r.Size); s != "" {
		resolved := ResolveSize(s)
		if resolved == "" {
			return "", Params{}, Invalid("size", "unsupported size %q", s)
		}
		p.Size = resolved
	}

	if a := strings.TrimSpace(r.AspectRatio); a != "" {
		if p.Size == "" {
			p.Size = ResolveSize(a)
		}
		if p.Size == "" {
			p.AspectRatio = a
		}
	}

	p.Format = strings.ToLower(strings.TrimSpace(r.Format))
	if strings.ContainsAny(p.Format, " /\\") {
		return "", Params{}, Invalid("format", "unsupported format %q", r.Format)
	}
	return prompt, p, nil
}
