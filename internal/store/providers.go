package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator/devchain/internal/orcherr"
)

// Provider is an external AI coding CLI identified by a case-insensitive
// name (spec §3).
type Provider struct {
	ID                   string
	Name                 string
	BinPath              sql.NullString
	MCPConfigured        bool
	MCPEndpoint          sql.NullString
	MCPRegisteredAt      sql.NullTime
	AutoCompactThreshold sql.NullInt64
}

// EnsureProvider returns the provider row for name (case-insensitive),
// creating one with the given binPath if absent.
func (s *Store) EnsureProvider(name, binPath string) (*Provider, error) {
	p, err := s.GetProviderByName(name)
	if err == nil {
		return p, nil
	}
	var notFound *orcherr.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}
	id := uuid.NewString()
	_, err = s.db.Exec(`INSERT INTO providers (id, name, bin_path, mcp_configured) VALUES (?,?,?,0)`, id, name, binPath)
	if err != nil {
		return nil, orcherr.NewExternal("store.EnsureProvider", name, err)
	}
	return s.GetProviderByName(name)
}

// GetProviderByName looks up a provider case-insensitively.
func (s *Store) GetProviderByName(name string) (*Provider, error) {
	row := s.db.QueryRow(`SELECT id, name, bin_path, mcp_configured, mcp_endpoint, mcp_registered_at, auto_compact_threshold
		FROM providers WHERE LOWER(name) = LOWER(?)`, name)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("provider", name)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.GetProviderByName", name, err)
	}
	return p, nil
}

// GetProviderByID looks up a provider by id.
func (s *Store) GetProviderByID(id string) (*Provider, error) {
	row := s.db.QueryRow(`SELECT id, name, bin_path, mcp_configured, mcp_endpoint, mcp_registered_at, auto_compact_threshold
		FROM providers WHERE id = ?`, id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("provider", id)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.GetProviderByID", id, err)
	}
	return p, nil
}

func scanProvider(row interface{ Scan(...any) error }) (*Provider, error) {
	var p Provider
	var mcpConfigured int
	if err := row.Scan(&p.ID, &p.Name, &p.BinPath, &mcpConfigured, &p.MCPEndpoint, &p.MCPRegisteredAt, &p.AutoCompactThreshold); err != nil {
		return nil, err
	}
	p.MCPConfigured = mcpConfigured != 0
	return &p, nil
}

// ListProviders returns every registered provider.
func (s *Store) ListProviders() ([]*Provider, error) {
	rows, err := s.db.Query(`SELECT id, name, bin_path, mcp_configured, mcp_endpoint, mcp_registered_at, auto_compact_threshold FROM providers ORDER BY name ASC`)
	if err != nil {
		return nil, orcherr.NewExternal("store.ListProviders", "", err)
	}
	defer rows.Close()
	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, orcherr.NewExternal("store.ListProviders.scan", "", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProviderMCP updates the MCP-registration metadata for provider
// id. This is the transient-best-effort write named in spec §4.8 step
// 6: a failure here is logged by the caller but does not fail the
// surrounding ensureMcp call.
func (s *Store) UpdateProviderMCP(id, endpoint string) error {
	_, err := s.db.Exec(`UPDATE providers SET mcp_configured = 1, mcp_endpoint = ?, mcp_registered_at = ? WHERE id = ?`,
		endpoint, time.Now().UTC(), id)
	if err != nil {
		return orcherr.NewExternal("store.UpdateProviderMCP", id, err)
	}
	return nil
}

// AdapterNameFor normalizes a provider name to its adapter key
// (claude, codex, gemini), trimming and lowercasing per spec §9's
// "normalize once at ingest" guidance.
func AdapterNameFor(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
