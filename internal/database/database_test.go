package database

import (
	"log/slog"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/accountd/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testManager(t *testing.T, components Components) *Manager {
	t.Helper()

	m, err := Open(Options{
		Dir:        filepath.Join(t.TempDir(), "db"),
		Components: components,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

func allComponents() Components {
	return Components{Account: true, Calculator: true}
}

func register(t *testing.T, m *Manager) model.AccountIDInternal {
	t.Helper()

	internal, err := m.Runner().Register(t.Context(), "")
	require.NoError(t, err)

	return internal
}

func loginPeer(addr string) netip.AddrPort {
	return netip.MustParseAddrPort(addr)
}
