// Package nip55 parses transport payloads into normalized requests.
//
// Two wire shapes exist, matching the conventions of the wider NIP-55
// ecosystem: the one-shot intent form ("nostrsigner:<payload>" plus extras)
// and the query form, whose authority encodes the operation directly as
// "<namespace>.<OPERATION_NAME>" with positional arguments. A third, legacy
// query form carries the whole request as a base64 JSON blob.
package nip55

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/fentz26/iglood/internal/models"
)

const (
	schemePlain = "nostrsigner:"
	schemeWeb   = "web+nostrsigner:"
)

var hexPubkey = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ParseIntent turns a one-shot intent payload (URI plus extras) into a
// Request. callerHint is the transport-derived caller identity, used when
// the extras carry no "package" field. Pure function: no side effects.
func ParseIntent(rawURI string, extras map[string]string, callerHint string) (*models.Request, error) {
	payload, query, err := splitScheme(rawURI)
	if err != nil {
		return nil, err
	}

	// URI query parameters are a second extras channel; explicit extras win.
	merged := make(map[string]string, len(extras)+len(query))
	for k, v := range query {
		merged[k] = v
	}
	for k, v := range extras {
		merged[k] = v
	}

	typ, ok := merged["type"]
	if !ok || typ == "" {
		return nil, models.NewParseError(models.ParseMissingType, "no type in request")
	}
	op, ok := models.ParseOperation(typ)
	if !ok {
		return nil, models.NewParseError(models.ParseUnsupportedType, "unknown operation %q", typ)
	}

	req := &models.Request{
		ID:         merged["id"],
		Operation:  op,
		CallingApp: merged["package"],
		Params:     buildParams(op, payload, merged),
		EntryPoint: models.EntryAsync,
		ReceivedAt: time.Now().UTC(),
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CallingApp == "" {
		req.CallingApp = callerHint
	}

	if perr := validateRequiredParams(op, req.Params); perr != nil {
		return nil, perr
	}
	return req, nil
}

// ParseQuery turns a query-style call into a Request. The authority must be
// "<namespace>.<OPERATION_NAME>" with no path component; args carries the
// operation-specific positional values (payload, peer pubkey, current user).
func ParseQuery(authority string, args []string, callerHint string) (*models.Request, error) {
	op, perr := OperationFromAuthority(authority)
	if perr != nil {
		return nil, perr
	}

	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	params := map[string]string{}
	switch op {
	case models.OpSignEvent, models.OpDecryptZapEvent:
		params["event"] = arg(0)
	case models.OpNIP04Encrypt, models.OpNIP44Encrypt:
		params["plaintext"] = arg(0)
		params["pubkey"] = arg(1)
	case models.OpNIP04Decrypt, models.OpNIP44Decrypt:
		params["ciphertext"] = arg(0)
		params["pubkey"] = arg(1)
	}
	if u := arg(2); u != "" {
		params["current_user"] = u
	}

	req := &models.Request{
		ID:         uuid.NewString(),
		Operation:  op,
		CallingApp: callerHint,
		Params:     params,
		EntryPoint: models.EntryBlocking,
		ReceivedAt: time.Now().UTC(),
	}

	if perr := validateRequiredParams(op, req.Params); perr != nil {
		return nil, perr
	}
	return req, nil
}

// legacyRequest is the base64-JSON body of the legacy "operation?data=" form.
type legacyRequest struct {
	Host       string          `json:"host"`
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Event      json.RawMessage `json:"event"`
	Pubkey     string          `json:"pubkey"`
	Plaintext  string          `json:"plaintext"`
	Ciphertext string          `json:"ciphertext"`
}

// ParseData decodes the legacy base64-JSON query form.
func ParseData(data string, callerHint string) (*models.Request, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, models.NewParseError(models.ParseInvalidJSON, "data parameter is not base64: %v", err)
	}

	var legacy legacyRequest
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, models.NewParseError(models.ParseInvalidJSON, "decode request: %v", err)
	}
	if legacy.Type == "" {
		return nil, models.NewParseError(models.ParseMissingType, "no type in request")
	}
	op, ok := models.ParseOperation(legacy.Type)
	if !ok {
		return nil, models.NewParseError(models.ParseUnsupportedType, "unknown operation %q", legacy.Type)
	}

	params := map[string]string{}
	if len(legacy.Event) > 0 {
		params["event"] = string(legacy.Event)
	}
	if legacy.Pubkey != "" {
		params["pubkey"] = legacy.Pubkey
	}
	if legacy.Plaintext != "" {
		params["plaintext"] = legacy.Plaintext
	}
	if legacy.Ciphertext != "" {
		params["ciphertext"] = legacy.Ciphertext
	}

	req := &models.Request{
		ID:         legacy.ID,
		Operation:  op,
		CallingApp: legacy.Host,
		Params:     params,
		EntryPoint: models.EntryBlocking,
		ReceivedAt: time.Now().UTC(),
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CallingApp == "" {
		req.CallingApp = callerHint
	}

	if perr := validateRequiredParams(op, req.Params); perr != nil {
		return nil, perr
	}
	return req, nil
}

// OperationFromAuthority resolves "<namespace>.<OPERATION_NAME>" to an
// operation kind. The upper-case suffix form is what third-party signer
// clients emit, so it is matched exactly.
func OperationFromAuthority(authority string) (models.OperationKind, *models.ParseError) {
	if authority == "" || strings.Contains(authority, "/") {
		return "", models.NewParseError(models.ParseUnsupportedScheme, "bad authority %q", authority)
	}
	for _, op := range models.Operations {
		if strings.HasSuffix(authority, "."+strings.ToUpper(string(op))) {
			return op, nil
		}
	}
	return "", models.NewParseError(models.ParseUnsupportedType, "no operation in authority %q", authority)
}

// splitScheme strips the nostrsigner scheme and separates the inline payload
// from URI query parameters.
func splitScheme(rawURI string) (payload string, query map[string]string, err error) {
	var rest string
	switch {
	case strings.HasPrefix(rawURI, schemePlain):
		rest = rawURI[len(schemePlain):]
	case strings.HasPrefix(rawURI, schemeWeb):
		rest = rawURI[len(schemeWeb):]
	default:
		return "", nil, models.NewParseError(models.ParseUnsupportedScheme, "uri %q", truncate(rawURI, 32))
	}

	query = map[string]string{}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		values, perr := url.ParseQuery(rest[i+1:])
		if perr == nil {
			for k := range values {
				query[k] = values.Get(k)
			}
		}
		rest = rest[:i]
	}

	if decoded, derr := url.QueryUnescape(rest); derr == nil {
		rest = decoded
	}
	return rest, query, nil
}

// buildParams assembles the operation parameter map from the inline payload
// and the extras, with extras taking precedence.
func buildParams(op models.OperationKind, payload string, extras map[string]string) map[string]string {
	params := map[string]string{}

	switch op {
	case models.OpSignEvent, models.OpDecryptZapEvent:
		params["event"] = payload
		if v := extras["event"]; v != "" {
			params["event"] = v
		}
	case models.OpNIP04Encrypt, models.OpNIP44Encrypt:
		params["plaintext"] = payload
		if v := extras["plaintext"]; v != "" {
			params["plaintext"] = v
		}
	case models.OpNIP04Decrypt, models.OpNIP44Decrypt:
		params["ciphertext"] = payload
		if v := extras["ciphertext"]; v != "" {
			params["ciphertext"] = v
		}
	}
	if v := extras["pubkey"]; v != "" {
		params["pubkey"] = v
	}
	if v := extras["current_user"]; v != "" {
		params["current_user"] = v
	}
	return params
}

// validateRequiredParams checks that params carries every field the
// operation demands, that JSON-bearing fields parse, and that pubkeys are
// 64 hex characters.
func validateRequiredParams(op models.OperationKind, params map[string]string) *models.ParseError {
	need := func(key string) *models.ParseError {
		if params[key] == "" {
			return models.NewParseError(models.ParseMissingParam, "%s requires %q", op, key)
		}
		return nil
	}

	switch op {
	case models.OpGetPublicKey:
		return nil

	case models.OpSignEvent, models.OpDecryptZapEvent:
		if perr := need("event"); perr != nil {
			return perr
		}
		var evt nostr.Event
		if err := json.Unmarshal([]byte(params["event"]), &evt); err != nil {
			return models.NewParseError(models.ParseInvalidJSON, "event: %v", err)
		}
		return nil

	case models.OpNIP04Encrypt, models.OpNIP44Encrypt:
		if perr := need("plaintext"); perr != nil {
			return perr
		}
		return validatePubkey(params)

	case models.OpNIP04Decrypt, models.OpNIP44Decrypt:
		if perr := need("ciphertext"); perr != nil {
			return perr
		}
		return validatePubkey(params)
	}

	return models.NewParseError(models.ParseUnsupportedType, "unknown operation %q", op)
}

func validatePubkey(params map[string]string) *models.ParseError {
	pk := params["pubkey"]
	if pk == "" {
		return models.NewParseError(models.ParseMissingParam, "missing pubkey")
	}
	if !hexPubkey.MatchString(pk) {
		return models.NewParseError(models.ParseInvalidPubkey, "pubkey %q is not 64 hex chars", truncate(pk, 70))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
