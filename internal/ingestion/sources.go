package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Webhook source tags. Each tag selects a payload shape and a property-code
// extraction strategy.
const (
	SourcePortalA = "portal-a"
	SourcePortalB = "portal-b"
	SourceWebForm = "web-form"
)

// KnownSource reports whether the tag maps to a registered adapter.
func KnownSource(source string) bool {
	switch source {
	case SourcePortalA, SourcePortalB, SourceWebForm:
		return true
	}
	return false
}

// ExternalSource reports whether the source requires the shared webhook
// secret. The web form is served from our own site and is only rate limited.
func ExternalSource(source string) bool {
	return source == SourcePortalA || source == SourcePortalB
}

// Item is the source-independent shape entering the ingestion pipeline.
// Adapters map each portal's payload onto it at the boundary.
type Item struct {
	Name         string
	Phone        string
	Email        string
	Message      string
	PropertyCode string
}

// portalAPayload is the classified-portal A contact notification.
type portalAPayload struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Message     string `json:"message"`
	ListingCode string `json:"listingCode"`
}

// portalBPayload is the classified-portal B lead export. The listing is
// referenced by the ad URL rather than a code field.
type portalBPayload struct {
	Lead struct {
		Name        string `json:"name"`
		PhoneNumber string `json:"phoneNumber"`
		Email       string `json:"email"`
	} `json:"lead"`
	Message string `json:"message"`
	AdURL   string `json:"adUrl"`
}

// webFormPayload is the site contact form submission.
type webFormPayload struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	Message      string `json:"message"`
	PropertyCode string `json:"property_code"`
}

var (
	// refCodePattern matches internal listing reference codes such as
	// "AP0123" or "CA0045B".
	refCodePattern = regexp.MustCompile(`\b[A-Z]{2}\d{4}[A-Z]?\b`)
	// codeLabelPattern anchors extraction to an explicit label so arbitrary
	// uppercase words in free text do not resolve to listings.
	codeLabelPattern = regexp.MustCompile(`\b(?i:code|c[óo]digo|ref\.?)\s*:?\s*([A-Z]{2}\d{4}[A-Z]?)\b`)
	// listingIDPattern matches the long numeric ad ids portal B embeds in
	// its URLs.
	listingIDPattern = regexp.MustCompile(`\d{8,}`)
)

// ParsedItem is one element of a webhook body: either a decoded pipeline
// item or its decode error. A batch keeps its order so callers can report
// outcomes per index.
type ParsedItem struct {
	Item Item
	Err  error
}

// ParseItems decodes a webhook body for the given source. The body may be a
// single object or an array. One element failing to decode does not discard
// its siblings; the failure travels with the element instead. Only a body
// that yields no elements at all is an error.
func ParseItems(source string, body []byte) ([]ParsedItem, error) {
	if !KnownSource(source) {
		return nil, fmt.Errorf("ingestion: unknown source %q", source)
	}
	raw := bytes.TrimSpace(body)
	if len(raw) == 0 {
		return nil, fmt.Errorf("ingestion: empty payload")
	}
	objects := [][]byte{raw}
	if raw[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, fmt.Errorf("ingestion: decode batch: %w", err)
		}
		if len(parts) == 0 {
			return nil, fmt.Errorf("ingestion: empty batch")
		}
		objects = objects[:0]
		for _, part := range parts {
			objects = append(objects, part)
		}
	}

	parsed := make([]ParsedItem, 0, len(objects))
	for i, obj := range objects {
		item, err := parseItem(source, obj)
		if err != nil {
			parsed = append(parsed, ParsedItem{Err: fmt.Errorf("ingestion: item %d: %w", i, err)})
			continue
		}
		parsed = append(parsed, ParsedItem{Item: item})
	}
	return parsed, nil
}

func parseItem(source string, body []byte) (Item, error) {
	switch source {
	case SourcePortalA:
		var p portalAPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Item{}, fmt.Errorf("decode: %w", err)
		}
		code := strings.ToUpper(strings.TrimSpace(p.ListingCode))
		if code == "" {
			code = codeFromText(p.Message)
		}
		return Item{
			Name:         strings.TrimSpace(p.Name),
			Phone:        strings.TrimSpace(p.Phone),
			Email:        strings.TrimSpace(p.Email),
			Message:      strings.TrimSpace(p.Message),
			PropertyCode: code,
		}, nil
	case SourcePortalB:
		var p portalBPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Item{}, fmt.Errorf("decode: %w", err)
		}
		return Item{
			Name:         strings.TrimSpace(p.Lead.Name),
			Phone:        strings.TrimSpace(p.Lead.PhoneNumber),
			Email:        strings.TrimSpace(p.Lead.Email),
			Message:      strings.TrimSpace(p.Message),
			PropertyCode: listingIDPattern.FindString(p.AdURL),
		}, nil
	case SourceWebForm:
		var p webFormPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Item{}, fmt.Errorf("decode: %w", err)
		}
		code := strings.ToUpper(strings.TrimSpace(p.PropertyCode))
		if code == "" {
			code = codeFromText(p.Message)
		}
		return Item{
			Name:         strings.TrimSpace(p.Name),
			Phone:        strings.TrimSpace(p.Phone),
			Email:        strings.TrimSpace(p.Email),
			Message:      strings.TrimSpace(p.Message),
			PropertyCode: code,
		}, nil
	}
	return Item{}, fmt.Errorf("unknown source %q", source)
}

// codeFromText pulls a labeled reference code out of free text, falling back
// to a bare code match when the sender skipped the label.
func codeFromText(text string) string {
	if m := codeLabelPattern.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1])
	}
	return refCodePattern.FindString(text)
}
