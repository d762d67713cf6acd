// Package normalize converts heterogeneous raw scrape records into the
// stable NormalizedItem shape. Extraction is field-by-field with a fixed
// precedence chain per field, so the order stays auditable and testable.
package normalize

import (
	"strings"

	"github.com/miravo/scrapedesk/internal/session"
)

// Sentinel values used when the raw record has no usable data for a field.
const (
	SentinelTitle    = "No Title"
	SentinelPrice    = "N/A"
	SentinelDesc     = "No Description"
	SentinelLocation = "Unknown"
)

// Normalize maps an arbitrary raw record to a fully-populated item. It is
// pure and total: it never fails, and every field of the result is set even
// when the input is empty or garbage.
func Normalize(raw map[string]any) session.NormalizedItem {
	images := extractImages(raw)
	first := ""
	if len(images) > 0 {
		first = images[0]
	}
	return session.NormalizedItem{
		Title:    extractTitle(raw),
		Price:    extractPrice(raw),
		Desc:     extractDesc(raw),
		Image:    first,
		Images:   images,
		Location: extractLocation(raw),
		URL:      firstNonEmpty(raw, "listingUrl", "listing_url", "url", "link"),
		PostedAt: firstNonEmpty(raw, "postedAt", "posted_at", "creation_time", "date"),
	}
}

func extractTitle(raw map[string]any) string {
	for _, key := range []string{"marketplace_listing_title", "custom_title", "title", "name"} {
		if v := stringValue(raw[key]); v != "" {
			return v
		}
	}
	return SentinelTitle
}

func extractDesc(raw map[string]any) string {
	// Rich-text description objects carry the text one level down.
	for _, key := range []string{"redacted_description", "description"} {
		if nested, ok := raw[key].(map[string]any); ok {
			if v := stringValue(nested["text"]); v != "" {
				return v
			}
		}
	}
	if v := stringValue(raw["description"]); v != "" {
		return v
	}
	return SentinelDesc
}

func extractImages(raw map[string]any) []string {
	var candidates []string

	if primary, ok := raw["primary_listing_photo"].(map[string]any); ok {
		if img, ok := primary["listing_image"].(map[string]any); ok {
			if v := stringValue(img["uri"]); v != "" {
				candidates = append(candidates, v)
			}
		}
	}
	if photos, ok := raw["listing_photos"].([]any); ok {
		for _, p := range photos {
			photo, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if img, ok := photo["image"].(map[string]any); ok {
				if v := stringValue(img["uri"]); v != "" {
					candidates = append(candidates, v)
				}
			}
		}
	}
	for _, key := range []string{"imageUrl", "image"} {
		if v := stringValue(raw[key]); v != "" {
			candidates = append(candidates, v)
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, session.PreviewLimit)
	for _, c := range candidates {
		u := normalizeImageURL(c)
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
		if len(out) == session.PreviewLimit {
			break
		}
	}
	return out
}

// normalizeImageURL rewrites protocol-relative URLs to https.
func normalizeImageURL(u string) string {
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}

func extractLocation(raw map[string]any) string {
	if v := stringValue(raw["location"]); v != "" {
		return v
	}
	if loc, ok := raw["location"].(map[string]any); ok {
		if geo, ok := loc["reverse_geocode"].(map[string]any); ok {
			city := stringValue(geo["city"])
			region := stringValue(geo["state"])
			if city != "" && region != "" {
				return city + ", " + region
			}
			if city != "" {
				return city
			}
			if page, ok := geo["city_page"].(map[string]any); ok {
				if v := stringValue(page["display_name"]); v != "" {
					return strings.TrimSpace(strings.SplitN(v, ",", 2)[0])
				}
			}
		}
	}
	return SentinelLocation
}

func firstNonEmpty(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if v := stringValue(raw[key]); v != "" {
			return v
		}
	}
	return ""
}

// stringValue returns v as a trimmed string, or "" for anything that is
// not a string.
func stringValue(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}
