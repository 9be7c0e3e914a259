package tally

import (
	"encoding/json"
	"fmt"
)

// pokProof is the shape of a single Schnorr-style proof-of-knowledge-
// of-plaintext object as produced by the encryption client: a
// commitment, challenge, and response triple.
type pokProof struct {
	Commitment string `json:"commitment"`
	Challenge  string `json:"challenge"`
	Response   string `json:"response"`
}

// VerifyPOKPlaintext validates the structural shape of a ballot's
// proof-of-knowledge-of-plaintext before it is ever handed to the
// mixnet, ported from verify_pok_plaintext. It does not perform any
// group-arithmetic verification itself — that cryptographic step
// belongs to the mixnet binaries, consistent with this orchestrator
// never operating on ciphertexts directly — but it lets a caller
// reject a malformed or empty proof early, before the expensive mix
// round runs. Callers that want full verification should additionally
// invoke Driver.Verify once the mix completes (spec.md §4.3 step 3).
func VerifyPOKPlaintext(proof json.RawMessage) (bool, error) {
	var p pokProof
	if err := json.Unmarshal(proof, &p); err != nil {
		return false, fmt.Errorf("tally: decode proof of knowledge: %w", err)
	}
	if p.Commitment == "" || p.Challenge == "" || p.Response == "" {
		return false, nil
	}
	return true, nil
}
