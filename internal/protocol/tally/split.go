package tally

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sequentech/orchestra/internal/layout"
	"github.com/sequentech/orchestra/internal/mixnet"
	"github.com/sequentech/orchestra/internal/model"
)

// splitCiphertexts reads the downloaded ballot bundle at bundlePath —
// one JSON ballotLine per vote, each carrying a dense per-question
// choice array — and fans each question's choice out into that
// session's own ciphertexts_json file, one line per ballot. Mirrors
// the original's per-session splitting step before mixing.
func splitCiphertexts(bundlePath string, sessions []model.Session, roots layout.Roots, electionID int64) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("tally: open ballot bundle: %w", err)
	}
	defer f.Close()

	writers := make([]*os.File, len(sessions))
	defer func() {
		for _, w := range writers {
			if w != nil {
				w.Close()
			}
		}
	}()
	for i, sess := range sessions {
		path := filepath.Join(roots.PrivateSessionDir(electionID, sess.ID), layout.CiphertextsJSON)
		w, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("tally: create %s: %w", path, err)
		}
		writers[i] = w
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var line ballotLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return fmt.Errorf("tally: decode ballot line: %w", err)
		}
		if len(line.Choices) != len(sessions) {
			return fmt.Errorf("tally: ballot has %d choices, expected %d questions", len(line.Choices), len(sessions))
		}
		for i, choice := range line.Choices {
			single := ballotLine{Choices: []json.RawMessage{choice}, Proofs: nil}
			encoded, err := json.Marshal(single)
			if err != nil {
				return fmt.Errorf("tally: encode split ballot: %w", err)
			}
			if _, err := writers[i].Write(append(encoded, '\n')); err != nil {
				return fmt.Errorf("tally: write session %s ciphertext: %w", sessions[i].ID, err)
			}
		}
	}
	return scanner.Err()
}

// convertSessionCiphertexts invokes the mixnet driver's JSON-to-raw
// converter for every session's freshly split ciphertexts_json.
func convertSessionCiphertexts(ctx context.Context, driver *mixnet.Driver, roots layout.Roots, electionID int64, sessions []model.Session) error {
	for _, sess := range sessions {
		dir := roots.PrivateSessionDir(electionID, sess.ID)
		if _, err := driver.ConvertCiphertextsJSON(ctx, dir); err != nil {
			return fmt.Errorf("tally: convert ciphertexts for session %s: %w", sess.ID, err)
		}
	}
	return nil
}
