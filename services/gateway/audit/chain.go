package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

const genesisHash = "genesis"

type chainError string

func (e chainError) Error() string { return string(e) }

const (
	ErrChainBroken     = chainError("audit chain link mismatch")
	ErrSignatureInvalid = chainError("audit entry signature invalid")
	ErrEntryNotFound    = chainError("audit entry not found")
)

// Entry is one append-only audit log row. The hash chain is computed
// from Kind, UserID, the key-sorted Fields and PreviousHash (see
// canonicalPayload); the order of the struct fields does not enter it.
type Entry struct {
	ID           string          `db:"id" json:"id"`
	Kind         string          `db:"kind" json:"kind"`
	UserID       string          `db:"user_id" json:"user_id"`
	Fields       json.RawMessage `db:"fields" json:"fields"`
	PreviousHash string          `db:"previous_hash" json:"previous_hash"`
	EntryHash    string          `db:"entry_hash" json:"entry_hash"`
	Signature    string          `db:"signature" json:"signature"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// canonicalPayload returns the deterministic byte sequence the hash is
// computed over: kind, user_id, sorted-key field JSON, and the
// previous hash, joined by '|'. The separator is not escaped, so a '|'
// inside kind or user_id is not distinguished from the separator.
func canonicalPayload(kind, userID string, fields map[string]interface{}, previousHash string) ([]byte, error) {
	sortedFields, err := canonicalJSON(fields)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(kind)+len(userID)+len(sortedFields)+len(previousHash)+8)
	buf = append(buf, kind...)
	buf = append(buf, '|')
	buf = append(buf, userID...)
	buf = append(buf, '|')
	buf = append(buf, sortedFields...)
	buf = append(buf, '|')
	buf = append(buf, previousHash...)
	return buf, nil
}

// canonicalJSON marshals a map with its keys sorted, so the same
// logical fields always hash identically regardless of Go's
// non-deterministic map iteration order.
func canonicalJSON(fields map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		K string      `json:"k"`
		V interface{} `json:"v"`
	}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, struct {
			K string      `json:"k"`
			V interface{} `json:"v"`
		}{K: k, V: fields[k]})
	}
	return json.Marshal(ordered)
}

func computeHash(kind, userID string, fields map[string]interface{}, previousHash string) (string, error) {
	payload, err := canonicalPayload(kind, userID, fields, previousHash)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func sign(secret, hash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

// Chain is the append-only audit log backed by Postgres. Appends are
// serialized by a row lock on a single sentinel "tail" row so
// concurrent writers cannot race on previous_hash.
type Chain struct {
	db     *sqlx.DB
	secret string
	log    zerolog.Logger
}

func NewChain(db *sqlx.DB, hmacSecret string, log zerolog.Logger) *Chain {
	return &Chain{db: db, secret: hmacSecret, log: log.With().Str("component", "audit.Chain").Logger()}
}

// Append writes a new entry, chaining it from the current tail. It
// implements the narrow billing.Auditor interface as RecordBillingMutation.
func (c *Chain) Append(ctx context.Context, kind, userID string, fields map[string]interface{}) (Entry, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit fields: %w", err)
	}

	var entry Entry
	err = withTx(ctx, c.db, func(tx *sqlx.Tx) error {
		prevHash, err := tailHash(ctx, tx)
		if err != nil {
			return err
		}

		hash, err := computeHash(kind, userID, fields, prevHash)
		if err != nil {
			return err
		}
		sig := sign(c.secret, hash)

		entry = Entry{
			ID:           uuid.NewString(),
			Kind:         kind,
			UserID:       userID,
			Fields:       fieldsJSON,
			PreviousHash: prevHash,
			EntryHash:    hash,
			Signature:    sig,
			CreatedAt:    time.Now().UTC(),
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log (id, kind, user_id, fields, previous_hash, entry_hash, signature, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, entry.ID, entry.Kind, entry.UserID, entry.Fields, entry.PreviousHash, entry.EntryHash, entry.Signature, entry.CreatedAt)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// RecordBillingMutation adapts Append to the billing package's narrow
// Auditor interface.
func (c *Chain) RecordBillingMutation(ctx context.Context, kind string, userID string, fields map[string]interface{}) error {
	_, err := c.Append(ctx, kind, userID, fields)
	return err
}

func tailHash(ctx context.Context, tx *sqlx.Tx) (string, error) {
	var hash string
	err := tx.GetContext(ctx, &hash, `
		SELECT entry_hash FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`)
	if err != nil {
		if isNoRows(err) {
			return genesisHash, nil
		}
		return "", fmt.Errorf("read audit tail: %w", err)
	}
	return hash, nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// VerifyEntry recomputes an entry's hash from its stored fields and
// verifies the HMAC signature.
func (c *Chain) VerifyEntry(ctx context.Context, id string) error {
	var e Entry
	if err := c.db.GetContext(ctx, &e, `
		SELECT id, kind, user_id, fields, previous_hash, entry_hash, signature, created_at
		FROM audit_log WHERE id = $1
	`, id); err != nil {
		if isNoRows(err) {
			return ErrEntryNotFound
		}
		return fmt.Errorf("load entry: %w", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(e.Fields, &fields); err != nil {
		return fmt.Errorf("unmarshal entry fields: %w", err)
	}

	expectedHash, err := computeHash(e.Kind, e.UserID, fields, e.PreviousHash)
	if err != nil {
		return err
	}
	if expectedHash != e.EntryHash {
		return ErrChainBroken
	}
	if sign(c.secret, e.EntryHash) != e.Signature {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifyFullChain walks entries in creation order (optionally bounded
// by limit) and checks every link and signature.
func (c *Chain) VerifyFullChain(ctx context.Context, limit int) error {
	query := `
		SELECT id, kind, user_id, fields, previous_hash, entry_hash, signature, created_at
		FROM audit_log
		ORDER BY created_at ASC, id ASC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var entries []Entry
	if err := c.db.SelectContext(ctx, &entries, query); err != nil {
		return fmt.Errorf("list audit entries: %w", err)
	}

	expectedPrev := genesisHash
	for _, e := range entries {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %s expected previous_hash %s, got %s", ErrChainBroken, e.ID, expectedPrev, e.PreviousHash)
		}

		var fields map[string]interface{}
		if err := json.Unmarshal(e.Fields, &fields); err != nil {
			return fmt.Errorf("unmarshal entry %s fields: %w", e.ID, err)
		}
		recomputed, err := computeHash(e.Kind, e.UserID, fields, e.PreviousHash)
		if err != nil {
			return err
		}
		if recomputed != e.EntryHash {
			return fmt.Errorf("%w: entry %s hash mismatch", ErrChainBroken, e.ID)
		}
		if sign(c.secret, e.EntryHash) != e.Signature {
			return fmt.Errorf("%w: entry %s", ErrSignatureInvalid, e.ID)
		}

		expectedPrev = e.EntryHash
	}
	return nil
}

// MigrateLegacyEntries chains any pre-existing entries (previous_hash
// and entry_hash both empty) in creation order, starting from genesis
// or the current tail if entries already exist. Run once.
func (c *Chain) MigrateLegacyEntries(ctx context.Context) (int, error) {
	var legacy []Entry
	if err := c.db.SelectContext(ctx, &legacy, `
		SELECT id, kind, user_id, fields, previous_hash, entry_hash, signature, created_at
		FROM audit_log
		WHERE entry_hash = '' OR entry_hash IS NULL
		ORDER BY created_at ASC, id ASC
	`); err != nil {
		return 0, fmt.Errorf("list legacy entries: %w", err)
	}
	if len(legacy) == 0 {
		return 0, nil
	}

	migrated := 0
	err := withTx(ctx, c.db, func(tx *sqlx.Tx) error {
		prevHash, err := tailHashExcluding(ctx, tx, legacy[0].ID)
		if err != nil {
			return err
		}

		for _, e := range legacy {
			var fields map[string]interface{}
			if err := json.Unmarshal(e.Fields, &fields); err != nil {
				return fmt.Errorf("unmarshal legacy entry %s: %w", e.ID, err)
			}
			hash, err := computeHash(e.Kind, e.UserID, fields, prevHash)
			if err != nil {
				return err
			}
			sig := sign(c.secret, hash)

			if _, err := tx.ExecContext(ctx, `
				UPDATE audit_log SET previous_hash = $2, entry_hash = $3, signature = $4
				WHERE id = $1
			`, e.ID, prevHash, hash, sig); err != nil {
				return fmt.Errorf("update legacy entry %s: %w", e.ID, err)
			}

			prevHash = hash
			migrated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return migrated, nil
}

func tailHashExcluding(ctx context.Context, tx *sqlx.Tx, excludeFirstLegacyID string) (string, error) {
	var hash string
	err := tx.GetContext(ctx, &hash, `
		SELECT entry_hash FROM audit_log
		WHERE entry_hash IS NOT NULL AND entry_hash != '' AND id != $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, excludeFirstLegacyID)
	if err != nil {
		if isNoRows(err) {
			return genesisHash, nil
		}
		return "", fmt.Errorf("read pre-legacy tail: %w", err)
	}
	return hash, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
