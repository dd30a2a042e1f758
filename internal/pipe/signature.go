package pipe

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agreenet/providerd/internal/pkg/perrors"
)

// SignPayload signs the raw payload bytes with the given key. Used by
// tests and client tooling; the daemon itself only verifies.
func SignPayload(key *ecdsa.PrivateKey, payload []byte) (string, error) {
	sig, err := crypto.Sign(crypto.Keccak256(payload), key)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// VerifyEnvelope checks the envelope signature against its claimed
// requester and returns the verified request.
func VerifyEnvelope(env *Envelope) (*Request, error) {
	var p Payload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}

	requester, err := parseRequester(p.Requester)
	if err != nil {
		return nil, err
	}

	sig, err := decodeSignature(env.Signature)
	if err != nil {
		return nil, err
	}

	pub, err := crypto.SigToPub(crypto.Keccak256(env.Payload), sig)
	if err != nil {
		return nil, perrors.ErrNotAuthorized.WithMessage("Invalid signature")
	}
	if crypto.PubkeyToAddress(*pub) != requester {
		return nil, perrors.ErrNotAuthorized.WithMessage("Signature does not match requester")
	}

	return &Request{
		ID:         p.ID,
		Method:     strings.ToUpper(p.Method),
		Path:       p.Path,
		Requester:  requester,
		Params:     p.Params,
		PathParams: p.PathParams,
		Body:       p.Body,
	}, nil
}

func decodePayload(env *Envelope, p *Payload) error {
	if len(env.Payload) == 0 {
		return perrors.ErrBadRequest.WithMessage("Missing payload")
	}
	if err := json.Unmarshal(env.Payload, p); err != nil {
		return perrors.ErrBadRequest.WithMessage(fmt.Sprintf("Invalid payload: %v", err))
	}
	if p.ID == "" || p.Path == "" || p.Method == "" {
		return perrors.ErrBadRequest.WithMessage("Payload requires id, method and path")
	}
	return nil
}

func parseRequester(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, perrors.ErrBadRequest.WithMessage("Invalid requester address")
	}
	return common.HexToAddress(s), nil
}

func decodeSignature(s string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return nil, perrors.ErrNotAuthorized.WithMessage("Invalid signature encoding")
	}
	// Accept both 0/1 and 27/28 recovery ids.
	if sig[crypto.SignatureLength-1] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.SignatureLength-1] -= 27
	}
	return sig, nil
}
