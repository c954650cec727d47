package ledger

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Gateway text markers. The gateway has no schema; these substrings are the
// whole contract and this file is the only place that knows them.
const (
	responsePrefix = "Response: "
	notFoundMarker = "does not exist"
	errorMarker    = "Error:"
)

var txIDPattern = regexp.MustCompile(`Transaction ID\s*:\s*([A-Za-z0-9]+)`)

// Kind is the tri-state classification of a query response.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindChaincodeError
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindChaincodeError:
		return "chaincode_error"
	default:
		return "unknown"
	}
}

// QueryResult is a classified query response.
type QueryResult struct {
	Kind Kind
	// Body is the payload with the "Response: " prefix removed. For KindOK it
	// is JSON or a bare string; otherwise it is the gateway's error text.
	Body string
}

// Reason returns the gateway text for non-OK results.
func (r *QueryResult) Reason() string {
	if r.Kind == KindOK {
		return ""
	}
	return r.Body
}

// Classify turns a raw query body into a QueryResult.
func Classify(raw string) *QueryResult {
	body := strings.TrimSpace(raw)
	body = strings.TrimPrefix(body, responsePrefix)
	body = unquote(strings.TrimSpace(body))

	// Gateway errors are plain text. A JSON document is chaincode data, and
	// marker text inside its fields belongs to the record.
	if isJSONDocument(body) {
		return &QueryResult{Kind: KindOK, Body: body}
	}

	switch {
	case strings.Contains(body, notFoundMarker):
		return &QueryResult{Kind: KindNotFound, Body: body}
	case strings.Contains(body, errorMarker):
		return &QueryResult{Kind: KindChaincodeError, Body: body}
	default:
		return &QueryResult{Kind: KindOK, Body: body}
	}
}

// ExtractTxID finds the transaction identifier in an invoke response.
// It returns "" when the response carries none.
func ExtractTxID(raw string) string {
	m := txIDPattern.FindStringSubmatch(raw)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// unquote unwraps JSON that the gateway returned as a JSON string literal.
func unquote(body string) string {
	if len(body) < 2 || body[0] != '"' {
		return body
	}
	var inner string
	if err := json.Unmarshal([]byte(body), &inner); err != nil {
		return body
	}
	return inner
}

func isJSONDocument(body string) bool {
	if body == "" || (body[0] != '{' && body[0] != '[') {
		return false
	}
	return json.Valid([]byte(body))
}
