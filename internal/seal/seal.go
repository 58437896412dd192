// Package seal is the Evidence Sealer. A seal is a signed digest over a
// verified, contiguous range of one chain. Anyone holding the seal, the rows
// of the range and the platform public key can re-check it offline.
package seal

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/metrics"
	"github.com/jmerrifield20/trustsubstrate/internal/store"
	"github.com/jmerrifield20/trustsubstrate/internal/verify"
	"go.uber.org/zap"
)

// ErrInvalidSeal is returned when a seal does not match the rows it is
// checked against.
var ErrInvalidSeal = errors.New("invalid evidence seal")

// EvidenceSeal is a point-in-time attestation over [RangeStart, RangeEnd].
type EvidenceSeal struct {
	ID         string       `json:"id"`
	Chain      ledger.Chain `json:"chain"`
	RangeStart string       `json:"range_start"`
	RangeEnd   string       `json:"range_end"`
	RowCount   int64        `json:"row_count"`
	SealHash   string       `json:"seal_hash"`
	Signature  string       `json:"signature"`
	KeyID      string       `json:"key_id"`
	SealedAt   time.Time    `json:"sealed_at"`
}

// Claims are the signed contents of a seal.
type Claims struct {
	jwt.RegisteredClaims
	Chain      string `json:"chain"`
	RangeStart string `json:"range_start"`
	RangeEnd   string `json:"range_end"`
	RowCount   int64  `json:"row_count"`
	SealHash   string `json:"seal_hash"`
}

const issuer = "trustsubstrate-sealer"

// Sealer issues and stores seals.
type Sealer struct {
	store    store.Store
	verifier *verify.Verifier
	keys     *KeyManager
	logger   *zap.Logger
}

// New creates a Sealer. keys must already be loaded or derived.
func New(st store.Store, verifier *verify.Verifier, keys *KeyManager, logger *zap.Logger) (*Sealer, error) {
	if keys == nil || !keys.loaded() {
		return nil, errors.New("sealer needs a loaded key")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sealer{store: st, verifier: verifier, keys: keys, logger: logger}, nil
}

// PublicKey returns the key seals are verified with.
func (s *Sealer) PublicKey() ed25519.PublicKey { return s.keys.PublicKey() }

// Keys returns the sealer's key manager.
func (s *Sealer) Keys() *KeyManager { return s.keys }

// GenerateSeal verifies exactly [rangeStart, rangeEnd] and, if the range is
// intact, digests and signs it. Any verification failure, including unknown
// or reversed bounds, is reported as ErrUnverifiedRange.
func (s *Sealer) GenerateSeal(ctx context.Context, chain ledger.Chain, rangeStart, rangeEnd string) (*EvidenceSeal, error) {
	if rangeStart == "" || rangeEnd == "" {
		return nil, fmt.Errorf("%w: range start and end are required", ledger.ErrValidation)
	}
	rep, err := s.verifier.VerifyChain(ctx, chain, rangeStart, rangeEnd)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrValidation) {
			return nil, fmt.Errorf("%w: %w", ledger.ErrUnverifiedRange, err)
		}
		return nil, err
	}
	if !rep.Intact {
		return nil, fmt.Errorf("%w: %w", ledger.ErrUnverifiedRange, rep.Err())
	}

	digest, count, err := s.digestRange(ctx, chain, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	if count != rep.RowsChecked {
		return nil, fmt.Errorf("%w: range changed between verification and sealing", ledger.ErrUnverifiedRange)
	}

	seal := &EvidenceSeal{
		ID:         uuid.New().String(),
		Chain:      chain,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
		RowCount:   count,
		SealHash:   digest,
		KeyID:      s.keys.KeyID(),
		// JWT NumericDate has second precision.
		SealedAt: time.Now().UTC().Truncate(time.Second),
	}
	if seal.Signature, err = sign(seal, s.keys.priv); err != nil {
		return nil, err
	}
	if err := s.store.SaveSeal(ctx, toRecord(seal)); err != nil {
		return nil, fmt.Errorf("save seal: %w", err)
	}

	metrics.RecordSeal()
	s.logger.Info("evidence seal issued",
		zap.String("seal_id", seal.ID),
		zap.String("chain", string(chain)),
		zap.Int64("rows", seal.RowCount),
	)
	return seal, nil
}

// digestRange streams [rangeStart, rangeEnd] into the seal hash without
// holding the range in memory.
func (s *Sealer) digestRange(ctx context.Context, chain ledger.Chain, rangeStart, rangeEnd string) (string, int64, error) {
	h := sha256.New()
	var count int64
	err := s.scanRange(ctx, chain, rangeStart, rangeEnd, func(r *ledger.Row) error {
		count++
		return writeRow(h, r)
	})
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), count, nil
}

// RangeRows returns the rows of chain from rangeStart to rangeEnd inclusive.
func (s *Sealer) RangeRows(ctx context.Context, chain ledger.Chain, rangeStart, rangeEnd string) ([]*ledger.Row, error) {
	var rows []*ledger.Row
	err := s.scanRange(ctx, chain, rangeStart, rangeEnd, func(r *ledger.Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Sealer) scanRange(ctx context.Context, chain ledger.Chain, rangeStart, rangeEnd string, fn func(*ledger.Row) error) error {
	first, err := s.store.GetRow(ctx, chain, rangeStart)
	if err != nil {
		return err
	}
	last, err := s.store.GetRow(ctx, chain, rangeEnd)
	if err != nil {
		return err
	}
	if err := s.store.ScanRows(ctx, chain, first.Seq, last.Seq, 0, fn); err != nil {
		return fmt.Errorf("read sealed range: %w", err)
	}
	return nil
}

// Get returns a stored seal.
func (s *Sealer) Get(ctx context.Context, id string) (*EvidenceSeal, error) {
	rec, err := s.store.GetSeal(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// List returns the newest seals, optionally for one chain.
func (s *Sealer) List(ctx context.Context, chain ledger.Chain, limit int) ([]*EvidenceSeal, error) {
	recs, err := s.store.ListSeals(ctx, chain, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*EvidenceSeal, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// Verify checks seal against rows with the sealer's own public key.
func (s *Sealer) Verify(seal *EvidenceSeal, rows []*ledger.Row) error {
	return VerifySeal(seal, rows, s.keys.PublicKey())
}

// Digest is the seal hash over rows: SHA-256 of each row's canonical
// encoding followed by a newline, in order.
func Digest(rows []*ledger.Row) (string, error) {
	h := sha256.New()
	for _, r := range rows {
		if err := writeRow(h, r); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeRow(h hash.Hash, r *ledger.Row) error {
	b, err := ledger.CanonicalBytes(r)
	if err != nil {
		return fmt.Errorf("encode row %s: %w", r.ID, err)
	}
	h.Write(b)
	h.Write([]byte{'\n'})
	return nil
}

// VerifySeal checks seal using nothing but the seal, the raw rows of its
// range and the sealing public key.
func VerifySeal(seal *EvidenceSeal, rows []*ledger.Row, pub ed25519.PublicKey) error {
	if seal == nil {
		return fmt.Errorf("%w: nil seal", ErrInvalidSeal)
	}
	if err := checkSignature(seal, pub); err != nil {
		return err
	}
	if err := checkRows(seal, rows); err != nil {
		return err
	}
	digest, err := Digest(rows)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}
	if digest != seal.SealHash {
		return fmt.Errorf("%w: rows digest %s, seal says %s", ErrInvalidSeal, digest, seal.SealHash)
	}
	return nil
}

// Valid reports whether VerifySeal succeeds.
func Valid(seal *EvidenceSeal, rows []*ledger.Row, pub ed25519.PublicKey) bool {
	return VerifySeal(seal, rows, pub) == nil
}

func sign(seal *EvidenceSeal, priv ed25519.PrivateKey) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			ID:       seal.ID,
			IssuedAt: jwt.NewNumericDate(seal.SealedAt),
		},
		Chain:      string(seal.Chain),
		RangeStart: seal.RangeStart,
		RangeEnd:   seal.RangeEnd,
		RowCount:   seal.RowCount,
		SealHash:   seal.SealHash,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = seal.KeyID
	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign seal: %w", err)
	}
	return signed, nil
}

func checkSignature(seal *EvidenceSeal, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: no verification key", ErrInvalidSeal)
	}
	if seal.KeyID != KeyID(pub) {
		return fmt.Errorf("%w: sealed with key %s, verifying with %s", ErrInvalidSeal, seal.KeyID, KeyID(pub))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(seal.Signature, claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrInvalidSeal, err)
	}

	var sealedAt time.Time
	if claims.IssuedAt != nil {
		sealedAt = claims.IssuedAt.Time
	}
	switch {
	case claims.ID != seal.ID,
		claims.Chain != string(seal.Chain),
		claims.RangeStart != seal.RangeStart,
		claims.RangeEnd != seal.RangeEnd,
		claims.RowCount != seal.RowCount,
		claims.SealHash != seal.SealHash,
		!sealedAt.Equal(seal.SealedAt):
		return fmt.Errorf("%w: signed claims do not match seal fields", ErrInvalidSeal)
	}
	return nil
}

func checkRows(seal *EvidenceSeal, rows []*ledger.Row) error {
	if int64(len(rows)) != seal.RowCount || len(rows) == 0 {
		return fmt.Errorf("%w: got %d rows, seal covers %d", ErrInvalidSeal, len(rows), seal.RowCount)
	}
	if rows[0].ID != seal.RangeStart || rows[len(rows)-1].ID != seal.RangeEnd {
		return fmt.Errorf("%w: rows do not span %s..%s", ErrInvalidSeal, seal.RangeStart, seal.RangeEnd)
	}
	for i, r := range rows {
		if r.Chain != seal.Chain {
			return fmt.Errorf("%w: row %s is from %s", ErrInvalidSeal, r.ID, r.Chain)
		}
		// The first row can only be checked against its own claimed link.
		prev := r.PreviousHash
		if i > 0 {
			if r.Seq != rows[i-1].Seq+1 {
				return fmt.Errorf("%w: row %s breaks the sequence", ErrInvalidSeal, r.ID)
			}
			prev = rows[i-1].Hash
		}
		got, err := ledger.ComputeHash(r, prev)
		if err != nil || got != r.Hash {
			return fmt.Errorf("%w: row %s does not hash to its stored value", ErrInvalidSeal, r.ID)
		}
	}
	return nil
}

func toRecord(s *EvidenceSeal) *store.SealRecord {
	return &store.SealRecord{
		ID:         s.ID,
		Chain:      s.Chain,
		RangeStart: s.RangeStart,
		RangeEnd:   s.RangeEnd,
		RowCount:   s.RowCount,
		SealHash:   s.SealHash,
		Signature:  s.Signature,
		KeyID:      s.KeyID,
		SealedAt:   s.SealedAt,
	}
}

func fromRecord(r *store.SealRecord) *EvidenceSeal {
	return &EvidenceSeal{
		ID:         r.ID,
		Chain:      r.Chain,
		RangeStart: r.RangeStart,
		RangeEnd:   r.RangeEnd,
		RowCount:   r.RowCount,
		SealHash:   r.SealHash,
		Signature:  r.Signature,
		KeyID:      r.KeyID,
		SealedAt:   r.SealedAt,
	}
}
