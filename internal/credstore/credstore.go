// Package credstore resolves a Host's opaque CredentialHandle (§4.1's "A
// handle identifies a vault entry") into sshexec.Credentials ready to pass
// to the remote executor. Grounded on the teacher's
// daemon/healing_executor.go buildHealingSSHTarget/buildHealingWinRMTarget
// pair, which assembles a *sshexec.Target from DC credential fields
// pulled off the daemon's config; this package generalizes that into a
// database-backed lookup keyed by handle instead of a single
// config-wide credential pair, since the spec has many hosts each with
// their own stored secret rather than one domain admin.
package credstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bmetallica/systemmap/internal/model"
	"github.com/bmetallica/systemmap/internal/sshexec"
	"github.com/bmetallica/systemmap/internal/vault"
)

// Store resolves credential handles into decrypted SSH credentials.
type Store struct {
	pool  *pgxpool.Pool
	vault *vault.Vault
}

// New constructs a Store.
func New(pool *pgxpool.Pool, v *vault.Vault) *Store {
	return &Store{pool: pool, vault: v}
}

// Put stores plaintext auth material under handle, encrypting it with the
// vault. authKind is "password" or "private_key"; the other secret column
// stays empty. Used by the operator CLI (systemmapctl) when a host is
// registered or its credential rotated.
func (s *Store) Put(ctx context.Context, handle, authKind, secret string) error {
	ct, err := s.vault.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO credentials (handle, auth_kind, nonce, auth_tag, body, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (handle) DO UPDATE SET
			auth_kind = excluded.auth_kind,
			nonce = excluded.nonce,
			auth_tag = excluded.auth_tag,
			body = excluded.body,
			updated_at = now()`,
		handle, authKind, ct.Nonce, ct.AuthTag, ct.Body)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("store credential: %w", err))
	}
	return nil
}

// Resolve decrypts the stored secret for host and assembles
// sshexec.Credentials from the host's own connection fields (hostname,
// port, username, sudo toggle) plus the decrypted auth material.
func (s *Store) Resolve(ctx context.Context, host model.Host) (*sshexec.Credentials, error) {
	var authKind string
	var ct vault.Ciphertext
	err := s.pool.QueryRow(ctx, `
		SELECT auth_kind, nonce, auth_tag, body FROM credentials WHERE handle = $1`,
		host.CredentialHandle).Scan(&authKind, &ct.Nonce, &ct.AuthTag, &ct.Body)
	if err != nil {
		return nil, model.NewError(model.KindPermanent, model.CodeAuthFailed, fmt.Errorf("lookup credential %q: %w", host.CredentialHandle, err))
	}

	secret, err := s.vault.Decrypt(ct)
	if err != nil {
		return nil, model.NewError(model.KindPermanent, model.CodeAuthFailed, fmt.Errorf("decrypt credential %q: %w", host.CredentialHandle, err))
	}

	creds := &sshexec.Credentials{
		Hostname: host.IP,
		Port:     sshPort(host),
		Username: host.SSHUser,
		UseSudo:  host.UseSudo,
	}
	switch authKind {
	case "private_key":
		creds.PrivateKey = &secret
	default:
		creds.Password = &secret
	}
	return creds, nil
}

// sshPort defaults a host's configured SSH port to 22 (§4.2's implicit
// default; Host.SSHPort is 0 for hosts registered before a port was set).
func sshPort(host model.Host) int {
	if host.SSHPort == 0 {
		return 22
	}
	return host.SSHPort
}
