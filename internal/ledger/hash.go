package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// CanonicalPayload renders v as canonical JSON: object keys sorted, no
// insignificant whitespace, numbers kept exactly as written. A nil value
// canonicalises to an empty object.
func CanonicalPayload(v any) (json.RawMessage, error) {
	var raw []byte
	switch p := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal payload: %v", ErrValidation, err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return json.RawMessage("{}"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON: %v", ErrValidation, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: payload has trailing data", ErrValidation)
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: re-encode payload: %v", ErrValidation, err)
	}
	return out, nil
}

// ComputeHash returns the hex SHA-256 digest of the row's content fields
// chained to previousHash. The row's own PreviousHash field is ignored so the
// verifier can pass the predecessor's actual stored hash instead.
func ComputeHash(r *Row, previousHash string) (string, error) {
	payload, err := CanonicalPayload(r.Payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	writeContent(h, r, payload)
	writeField(h, previousHash)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeContent encodes the content fields, each prefixed with its length, so
// no two distinct rows share an encoding however their values are split.
func writeContent(w io.Writer, r *Row, payload []byte) {
	writeField(w, strconv.FormatInt(r.Seq, 10))
	writeField(w, r.ID)
	writeField(w, string(r.Chain))
	writeField(w, r.TenantID)
	writeField(w, r.ActorID)
	writeField(w, r.Action)
	writeField(w, r.TargetType)
	writeField(w, r.TargetID)
	writeField(w, r.CreatedAt.UTC().Format(time.RFC3339Nano))
	writeField(w, string(payload))
}

func writeField(w io.Writer, v string) {
	fmt.Fprintf(w, "%d:%s;", len(v), v)
}

// Seal fills PreviousHash and Hash on a row about to be appended after tail.
// A nil tail means the row is the genesis row of its chain.
func (r *Row) Seal(tail *Row) error {
	payload, err := CanonicalPayload(r.Payload)
	if err != nil {
		return err
	}
	r.Payload = payload

	r.PreviousHash = GenesisHash
	r.Seq = 1
	if tail != nil {
		r.PreviousHash = tail.Hash
		r.Seq = tail.Seq + 1
	}
	hash, err := ComputeHash(r, r.PreviousHash)
	if err != nil {
		return err
	}
	r.Hash = hash
	return nil
}

// CanonicalBytes is the full, ordered encoding of a stored row, hash fields
// included. Evidence seals digest this form.
func CanonicalBytes(r *Row) ([]byte, error) {
	payload, err := CanonicalPayload(r.Payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeContent(&buf, r, payload)
	writeField(&buf, r.PreviousHash)
	writeField(&buf, r.Hash)
	return buf.Bytes(), nil
}
