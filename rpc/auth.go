package rpc

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/kellymusk/Aframp-backend/crypto"
)

// authParams is the caller envelope carried by every principal-gated method.
// The signature covers the method name, the nonce and the method's signed
// fields, so a captured envelope cannot be replayed against another call.
type authParams struct {
	Principal string `json:"principal"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// authDigest derives the 32-byte digest a caller signs for a given method.
// Fields are joined in the order the method documents them, using the exact
// string values sent on the wire.
func authDigest(method string, nonce uint64, fields ...string) []byte {
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, method, strconv.FormatUint(nonce, 10))
	parts = append(parts, fields...)
	return ethcrypto.Keccak256([]byte(strings.Join(parts, "|")))
}

// verifyCaller authenticates the envelope and returns the proven principal.
// The nonce is consumed on success, so a verified envelope cannot be
// submitted twice within the replay window.
func (s *Server) verifyCaller(method string, auth authParams, fields ...string) ([20]byte, *RPCError) {
	var caller [20]byte
	principal, err := parseBech32Address(auth.Principal)
	if err != nil {
		return caller, &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: fmt.Sprintf("auth principal: %v", err)}
	}
	if auth.Nonce == 0 {
		return caller, &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: "auth nonce must be greater than zero"}
	}
	sig, err := parseSignature(auth.Signature)
	if err != nil {
		return caller, &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: fmt.Sprintf("auth signature: %v", err)}
	}
	digest := authDigest(method, auth.Nonce, fields...)
	recovered, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return caller, &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: fmt.Sprintf("recover signer: %v", err)}
	}
	copy(caller[:], recovered.Bytes())
	if caller != principal {
		return [20]byte{}, &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "signature does not match principal"}
	}
	if !s.rememberNonce(caller, auth.Nonce, time.Now()) {
		return [20]byte{}, &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "nonce already used"}
	}
	return caller, nil
}

// rememberNonce records a consumed nonce and reports whether it was fresh.
// Entries expire after nonceSeenTTL, which bounds both the map and the replay
// window.
func (s *Server) rememberNonce(principal [20]byte, nonce uint64, now time.Time) bool {
	key := hex.EncodeToString(principal[:]) + ":" + strconv.FormatUint(nonce, 10)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, seenAt := range s.nonceSeen {
		if now.Sub(seenAt) > nonceSeenTTL {
			delete(s.nonceSeen, k)
		}
	}
	if _, exists := s.nonceSeen[key]; exists {
		return false
	}
	s.nonceSeen[key] = now
	return true
}

func parseSignature(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("signature required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	sig, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}

func statusForAuthCode(code int) int {
	if code == codeInvalidParams {
		return http.StatusBadRequest
	}
	return http.StatusUnauthorized
}
