// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/lib/sqlitepool"
)

// Store persists device identities and enrollment tokens in SQLite.
// Safe for concurrent use.
type Store struct {
	pool *sqlitepool.Pool
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS identities (
	device_id    TEXT PRIMARY KEY,
	candidate_id TEXT NOT NULL UNIQUE,
	public_key   BLOB NOT NULL,
	enrolled_at  INTEGER NOT NULL,
	tenant_id    TEXT NOT NULL,
	group_id     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS identities_tenant ON identities (tenant_id, group_id);

CREATE TABLE IF NOT EXISTS enroll_tokens (
	id          TEXT PRIMARY KEY,
	secret_hash BLOB NOT NULL,
	salt        BLOB NOT NULL,
	tenant_id   TEXT NOT NULL,
	group_id    TEXT NOT NULL,
	issued_at   INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	consumed_at INTEGER NOT NULL DEFAULT 0
);
`

// OpenStore opens (creating if necessary) the identity database at
// path. The caller must Close the store when done.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("identity: opening store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// PutToken persists an issued enrollment token record.
func (s *Store) PutToken(ctx context.Context, token *EnrollmentToken) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO enroll_tokens (id, secret_hash, salt, tenant_id, group_id, issued_at, expires_at, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		&sqlitex.ExecOptions{Args: []any{
			token.ID, token.SecretHash, token.Salt,
			token.TenantID.String(), token.GroupID.String(),
			token.IssuedAt.Unix(), token.ExpiresAt.Unix(),
		}})
	if err != nil {
		return fmt.Errorf("identity: storing token: %w", err)
	}
	return nil
}

// TokenByID loads a token record. Returns ErrInvalidToken when no such
// token exists — callers never learn whether an ID was ever valid.
func (s *Store) TokenByID(ctx context.Context, id string) (*EnrollmentToken, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var token *EnrollmentToken
	err = sqlitex.Execute(conn, `
		SELECT id, secret_hash, salt, tenant_id, group_id, issued_at, expires_at, consumed_at
		FROM enroll_tokens WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := readToken(stmt)
				if err != nil {
					return err
				}
				token = parsed
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("identity: loading token: %w", err)
	}
	if token == nil {
		return nil, ErrInvalidToken
	}
	return token, nil
}

// ConsumeToken marks a token used at the given instant. Consuming is
// atomic: if two enrollments race on the same token, exactly one
// succeeds.
func (s *Store) ConsumeToken(ctx context.Context, id string, at time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE enroll_tokens SET consumed_at = ? WHERE id = ? AND consumed_at = 0`,
		&sqlitex.ExecOptions{Args: []any{at.Unix(), id}})
	if err != nil {
		return fmt.Errorf("identity: consuming token: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrInvalidToken
	}
	return nil
}

func readToken(stmt *sqlite.Stmt) (*EnrollmentToken, error) {
	tenant, err := ref.ParseTenantID(stmt.ColumnText(3))
	if err != nil {
		return nil, err
	}
	group, err := ref.ParseGroupID(stmt.ColumnText(4))
	if err != nil {
		return nil, err
	}

	secretHash := make([]byte, stmt.ColumnLen(1))
	stmt.ColumnBytes(1, secretHash)
	salt := make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, salt)

	token := &EnrollmentToken{
		ID:         stmt.ColumnText(0),
		SecretHash: secretHash,
		Salt:       salt,
		TenantID:   tenant,
		GroupID:    group,
		IssuedAt:   time.Unix(stmt.ColumnInt64(5), 0).UTC(),
		ExpiresAt:  time.Unix(stmt.ColumnInt64(6), 0).UTC(),
	}
	if consumed := stmt.ColumnInt64(7); consumed != 0 {
		token.ConsumedAt = time.Unix(consumed, 0).UTC()
	}
	return token, nil
}

// PutIdentity persists a freshly enrolled device identity.
func (s *Store) PutIdentity(ctx context.Context, ident *DeviceIdentity) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO identities (device_id, candidate_id, public_key, enrolled_at, tenant_id, group_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			ident.DeviceID.String(), ident.CandidateID, []byte(ident.PublicKey),
			ident.EnrolledAt.Unix(), ident.TenantID.String(), ident.GroupID.String(),
		}})
	if err != nil {
		return fmt.Errorf("identity: storing identity: %w", err)
	}
	return nil
}

// ByDevice loads an identity by device ID. Returns ErrUnknownDevice
// when absent.
func (s *Store) ByDevice(ctx context.Context, device ref.DeviceID) (*DeviceIdentity, error) {
	return s.identityWhere(ctx, "device_id = ?", device.String())
}

// ByCandidate loads an identity by candidate ID. Returns
// ErrUnknownDevice when absent.
func (s *Store) ByCandidate(ctx context.Context, candidateID string) (*DeviceIdentity, error) {
	return s.identityWhere(ctx, "candidate_id = ?", candidateID)
}

func (s *Store) identityWhere(ctx context.Context, where string, arg any) (*DeviceIdentity, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var ident *DeviceIdentity
	err = sqlitex.Execute(conn, `
		SELECT device_id, candidate_id, public_key, enrolled_at, tenant_id, group_id
		FROM identities WHERE `+where,
		&sqlitex.ExecOptions{
			Args: []any{arg},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := readIdentity(stmt)
				if err != nil {
					return err
				}
				ident = parsed
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("identity: loading identity: %w", err)
	}
	if ident == nil {
		return nil, ErrUnknownDevice
	}
	return ident, nil
}

// DevicesInScope lists identities targeted by a scope: the whole
// tenant when group is zero, otherwise only devices in the group.
func (s *Store) DevicesInScope(ctx context.Context, tenant ref.TenantID, group ref.GroupID) ([]*DeviceIdentity, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `SELECT device_id, candidate_id, public_key, enrolled_at, tenant_id, group_id
		FROM identities WHERE tenant_id = ?`
	args := []any{tenant.String()}
	if !group.IsZero() {
		query += ` AND group_id = ?`
		args = append(args, group.String())
	}

	var identities []*DeviceIdentity
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ident, err := readIdentity(stmt)
			if err != nil {
				return err
			}
			identities = append(identities, ident)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("identity: listing scope: %w", err)
	}
	return identities, nil
}

// DeleteIdentity removes a decommissioned device. Returns
// ErrUnknownDevice if no such device exists.
func (s *Store) DeleteIdentity(ctx context.Context, device ref.DeviceID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM identities WHERE device_id = ?`,
		&sqlitex.ExecOptions{Args: []any{device.String()}})
	if err != nil {
		return fmt.Errorf("identity: deleting identity: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrUnknownDevice
	}
	return nil
}

func readIdentity(stmt *sqlite.Stmt) (*DeviceIdentity, error) {
	device, err := ref.ParseDeviceID(stmt.ColumnText(0))
	if err != nil {
		return nil, err
	}
	tenant, err := ref.ParseTenantID(stmt.ColumnText(4))
	if err != nil {
		return nil, err
	}
	group, err := ref.ParseGroupID(stmt.ColumnText(5))
	if err != nil {
		return nil, err
	}

	publicKey := make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, publicKey)

	return &DeviceIdentity{
		DeviceID:    device,
		CandidateID: stmt.ColumnText(1),
		PublicKey:   ed25519.PublicKey(publicKey),
		EnrolledAt:  time.Unix(stmt.ColumnInt64(3), 0).UTC(),
		TenantID:    tenant,
		GroupID:     group,
	}, nil
}
