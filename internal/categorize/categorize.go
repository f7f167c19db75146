package categorize

import (
	"net/url"
	"strings"
)

// Category buckets a domain for session aggregation
type Category string

const (
	Work    Category = "work"
	Leisure Category = "leisure"
	Social  Category = "social"
	Neutral Category = "neutral"
)

// builtin is the default domain table. The real categorization service is an
// external collaborator; this is its interface boundary plus a local default.
var builtin = map[string]Category{
	"github.com":        Work,
	"gitlab.com":        Work,
	"stackoverflow.com": Work,
	"docs.google.com":   Work,
	"drive.google.com":  Work,
	"notion.so":         Work,
	"linear.app":        Work,
	"jira.com":          Work,
	"figma.com":         Work,
	"youtube.com":       Leisure,
	"netflix.com":       Leisure,
	"twitch.tv":         Leisure,
	"spotify.com":       Leisure,
	"steampowered.com":  Leisure,
	"twitter.com":       Social,
	"x.com":             Social,
	"facebook.com":      Social,
	"instagram.com":     Social,
	"reddit.com":        Social,
	"linkedin.com":      Social,
	"discord.com":       Social,
	"wikipedia.org":     Neutral,
}

// Classifier maps domains to categories, consulting user overrides before
// the built-in table
type Classifier struct {
	overrides map[string]Category
}

// NewClassifier creates a classifier with the given user override map
func NewClassifier(overrides map[string]string) *Classifier {
	c := &Classifier{overrides: make(map[string]Category, len(overrides))}
	for domain, category := range overrides {
		c.overrides[strings.ToLower(domain)] = Category(category)
	}
	return c
}

// Categorize returns the category for a domain. Unknown domains are neutral.
func (c *Classifier) Categorize(domain string) Category {
	domain = strings.ToLower(strings.TrimPrefix(domain, "www."))

	if cat, ok := c.overrides[domain]; ok {
		return cat
	}
	if cat, ok := builtin[domain]; ok {
		return cat
	}

	// Match registrable suffixes so subdomains inherit the parent category.
	for candidate := range builtin {
		if strings.HasSuffix(domain, "."+candidate) {
			return builtin[candidate]
		}
	}
	for candidate, cat := range c.overrides {
		if strings.HasSuffix(domain, "."+candidate) {
			return cat
		}
	}

	return Neutral
}

// Domain extracts the host from a raw URL, or "" when it cannot be parsed
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
}
