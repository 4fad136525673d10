package fitsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/jmgilman/go/errors"
)

// ============================================================================
// Push delivery
// ============================================================================

// PushSignatureHeader carries the HMAC-SHA256 signature of a push body.
const PushSignatureHeader = "X-Fitsync-Signature"

const maxPushBody = 64 << 10

// PushFunc receives the verified push data.
type PushFunc func(ctx context.Context, data string) error

// SignPush returns the signature header value for body.
func SignPush(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPushSignature verifies a push signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyPushSignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// PushHandler verifies signed push deliveries and dispatches them.
type PushHandler struct {
	secret string
	onPush PushFunc
}

// NewPushHandler creates a push handler.
func NewPushHandler(secret string, onPush PushFunc) (*PushHandler, error) {
	if secret == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "push secret is required")
	}
	if onPush == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "push callback is required")
	}
	return &PushHandler{secret: secret, onPush: onPush}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (p *PushHandler) Verify(body []byte, signature string) bool {
	return VerifyPushSignature(body, signature, p.secret)
}

// Handle processes a push delivery (verify + dispatch).
// Returns the status code and response body for the caller to write.
func (p *PushHandler) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !p.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	if err := p.onPush(ctx, pushData(body)); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP accepts POSTed push deliveries.
func (p *PushHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxPushBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	defer r.Body.Close()

	status, data := p.Handle(r.Context(), body, r.Header.Get(PushSignatureHeader))
	writeJSON(rw, status, data)
}

// pushData extracts the text shown for a push. A JSON body with a "body"
// or "message" field uses that field; anything else is used verbatim.
func pushData(body []byte) string {
	var v struct {
		Body    string `json:"body"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &v) == nil {
		if v.Body != "" {
			return v.Body
		}
		if v.Message != "" {
			return v.Message
		}
		return ""
	}
	return strings.TrimSpace(string(body))
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
