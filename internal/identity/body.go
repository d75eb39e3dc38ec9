package identity

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// maxPartBytes caps how much of a multipart field is read for the
// identifier. Fields longer than this are truncated, not rejected.
const maxPartBytes = 64 << 10

// ExtractBodyField pulls a field value out of a buffered request body.
// The content type decides the parser; parse failures return "" so the
// resolver can fall through to the next identifier source.
func ExtractBodyField(body []byte, fieldPath, contentType string) string {
	if len(body) == 0 || strings.TrimSpace(fieldPath) == "" {
		return ""
	}

	normalized := contentType
	if i := strings.Index(normalized, ";"); i >= 0 {
		normalized = normalized[:i]
	}
	normalized = strings.ToLower(strings.TrimSpace(normalized))

	var (
		value string
		err   error
	)
	switch {
	case normalized == "" || strings.Contains(normalized, "json"):
		value = extractJSON(body, fieldPath)
	case strings.Contains(normalized, "x-www-form-urlencoded"):
		value, err = extractForm(body, fieldPath)
	case strings.Contains(normalized, "xml"):
		value, err = extractXML(body, fieldPath)
	case strings.Contains(normalized, "multipart/form-data"):
		value, err = extractMultipart(body, fieldPath, contentType)
	default:
		// Unknown content types get a JSON attempt, matching the most
		// common API payload shape.
		value = extractJSON(body, fieldPath)
	}
	if err != nil {
		log.Debug().Err(err).Str("field", fieldPath).Str("content_type", contentType).
			Msg("body field extraction failed")
		return ""
	}
	return value
}

func extractJSON(body []byte, path string) string {
	res := gjson.GetBytes(body, path)
	if !res.Exists() {
		return ""
	}
	switch res.Type {
	case gjson.String:
		return res.Str
	case gjson.Number, gjson.True, gjson.False:
		return res.String()
	default:
		// Compound values are kept as their serialized form.
		return res.Raw
	}
}

func extractForm(body []byte, field string) (string, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return "", err
	}
	return values.Get(field), nil
}

// extractXML walks the element tree for a path like "//user/id",
// "/root/key" or a bare element name. DOCTYPE declarations are rejected
// outright and entities are never resolved, so external-entity payloads
// cannot reach a resolver.
func extractXML(body []byte, fieldPath string) (string, error) {
	anyDepth := true
	path := fieldPath
	if strings.HasPrefix(path, "//") {
		path = path[2:]
	} else if strings.HasPrefix(path, "/") {
		anyDepth = false
		path = path[1:]
	}
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", errors.New("empty xml field path")
	}

	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Entity = map[string]string{}

	var stack []string
	var capture *int // stack depth at which the matched element started
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.Directive:
			if bytes.HasPrefix(bytes.TrimSpace(t), []byte("DOCTYPE")) {
				return "", errors.New("doctype declarations are not allowed")
			}
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			if capture == nil && pathMatches(stack, parts, anyDepth) {
				depth := len(stack)
				capture = &depth
				text.Reset()
			}
		case xml.CharData:
			if capture != nil {
				text.Write(t)
			}
		case xml.EndElement:
			if capture != nil && len(stack) == *capture {
				return text.String(), nil
			}
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
}

func pathMatches(stack, parts []string, anyDepth bool) bool {
	if anyDepth {
		if len(stack) < len(parts) {
			return false
		}
		tail := stack[len(stack)-len(parts):]
		for i := range parts {
			if tail[i] != parts[i] {
				return false
			}
		}
		return true
	}
	if len(stack) != len(parts) {
		return false
	}
	for i := range parts {
		if stack[i] != parts[i] {
			return false
		}
	}
	return true
}

func extractMultipart(body []byte, field, contentType string) (string, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", err
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", errors.New("multipart body without boundary")
	}

	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if part.FormName() != field || part.FileName() != "" {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(part, maxPartBytes))
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
