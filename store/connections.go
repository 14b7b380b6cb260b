package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured means no connection row exists and no fallback
	// token is available.
	ErrNotConfigured = errors.New("marketplace connection not configured")
	// ErrConnectionDisabled means a connection row exists but is
	// disabled: the env fallback does not apply.
	ErrConnectionDisabled = errors.New("marketplace connection disabled")
)

// Cipher encrypts tokens at rest. The actual primitives live outside
// this repository; NopCipher is the development default.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// NopCipher stores tokens verbatim.
type NopCipher struct{}

func (NopCipher) Encrypt(s string) (string, error) { return s, nil }
func (NopCipher) Decrypt(s string) (string, error) { return s, nil }

// Connection is a per-(project, marketplace) configuration row.
// APIToken is always masked outside the credential resolver.
type Connection struct {
	ID          int64           `json:"id"`
	ProjectID   int64           `json:"project_id"`
	Marketplace string          `json:"marketplace_code"`
	IsEnabled   bool            `json:"is_enabled"`
	APIToken    string          `json:"api_token"`
	Settings    json.RawMessage `json:"settings"`
}

// Connections resolves per-tenant marketplace credentials.
type Connections struct {
	db     *pgxpool.Pool
	cipher Cipher
	// envToken returns the global operator token for a marketplace, or
	// "". Overridable for tests; defaults to reading
	// SELLERHUB_<MARKETPLACE>_TOKEN.
	envToken func(marketplace string) string
}

// NewConnections returns a Connections repository. A nil cipher falls
// back to NopCipher.
func NewConnections(db *pgxpool.Pool, cipher Cipher) *Connections {
	if cipher == nil {
		cipher = NopCipher{}
	}
	return &Connections{
		db:     db,
		cipher: cipher,
		envToken: func(marketplace string) string {
			return os.Getenv("SELLERHUB_" + strings.ToUpper(marketplace) + "_TOKEN")
		},
	}
}

// ResolveToken returns the decrypted token for (project, marketplace).
// The env fallback applies only when no connection row exists at all;
// a disabled row wins over the fallback.
func (c *Connections) ResolveToken(ctx context.Context, projectID int64, marketplace string) (string, error) {
	var enabled bool
	var tokenEnc *string
	err := c.db.QueryRow(ctx, `SELECT is_enabled, api_token_enc FROM marketplace_connections
		WHERE project_id = $1 AND marketplace_code = $2`, projectID, marketplace).
		Scan(&enabled, &tokenEnc)
	if errors.Is(err, pgx.ErrNoRows) {
		if tok := c.envToken(marketplace); tok != "" {
			return tok, nil
		}
		return "", ErrNotConfigured
	}
	if err != nil {
		return "", fmt.Errorf("resolving connection: %w", err)
	}
	if !enabled {
		return "", ErrConnectionDisabled
	}
	if tokenEnc == nil || *tokenEnc == "" {
		return "", ErrNotConfigured
	}
	token, err := c.cipher.Decrypt(*tokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypting token: %w", err)
	}
	return token, nil
}

// Settings returns the connection's free-form settings mapping, or an
// empty object when the connection does not exist.
func (c *Connections) Settings(ctx context.Context, projectID int64, marketplace string) (json.RawMessage, error) {
	var settings json.RawMessage
	err := c.db.QueryRow(ctx, `SELECT settings FROM marketplace_connections
		WHERE project_id = $1 AND marketplace_code = $2`, projectID, marketplace).
		Scan(&settings)
	if errors.Is(err, pgx.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading connection settings: %w", err)
	}
	return settings, nil
}

// Get returns the connection with the token masked.
func (c *Connections) Get(ctx context.Context, projectID int64, marketplace string) (*Connection, error) {
	var conn Connection
	var tokenEnc *string
	err := c.db.QueryRow(ctx, `SELECT id, project_id, marketplace_code, is_enabled, api_token_enc, settings
		FROM marketplace_connections WHERE project_id = $1 AND marketplace_code = $2`,
		projectID, marketplace).
		Scan(&conn.ID, &conn.ProjectID, &conn.Marketplace, &conn.IsEnabled, &tokenEnc, &conn.Settings)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("reading connection: %w", err)
	}
	if tokenEnc != nil {
		token, err := c.cipher.Decrypt(*tokenEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypting token: %w", err)
		}
		conn.APIToken = MaskToken(token)
	}
	return &conn, nil
}

// Upsert writes the connection. An empty APIToken keeps the stored one.
func (c *Connections) Upsert(ctx context.Context, conn *Connection) error {
	var tokenEnc *string
	if conn.APIToken != "" {
		enc, err := c.cipher.Encrypt(conn.APIToken)
		if err != nil {
			return fmt.Errorf("encrypting token: %w", err)
		}
		tokenEnc = &enc
	}
	var settings = conn.Settings
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}
	_, err := c.db.Exec(ctx, `INSERT INTO marketplace_connections
		(project_id, marketplace_code, is_enabled, api_token_enc, settings)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, marketplace_code) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled,
			api_token_enc = COALESCE(EXCLUDED.api_token_enc, marketplace_connections.api_token_enc),
			settings = EXCLUDED.settings,
			updated_at = NOW()`,
		conn.ProjectID, conn.Marketplace, conn.IsEnabled, tokenEnc, settings)
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}
	return nil
}

// MaskToken renders a token safe for display: all but the last four
// characters are hidden.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
