package scanner

import (
	"context"
	"io"

	"github.com/dpcsec/sentinelx/pkg/cache"
	"github.com/dpcsec/sentinelx/pkg/quarantine"
	"github.com/dpcsec/sentinelx/pkg/vault"
)

// MockQuarantiner implements quarantine.Quarantiner with pluggable functions.
type MockQuarantiner struct {
	QuarantineMock func(ctx context.Context, file string, fileSHA256 string, threat string) (entryID string, err error)
	RestoreMock    func(ctx context.Context, entryID string) (err error)
	ReleaseMock    func(ctx context.Context, entryID string, out io.Writer) (entry *quarantine.Entry, err error)
	IsRestoredMock func(ctx context.Context, sha256 string) (restored bool, err error)
	ListMock       func(ctx context.Context) (entries []*quarantine.Entry, err error)
}

var _ quarantine.Quarantiner = &MockQuarantiner{}

func (m *MockQuarantiner) Quarantine(ctx context.Context, file string, fileSHA256 string, threat string) (string, error) {
	if m.QuarantineMock != nil {
		return m.QuarantineMock(ctx, file, fileSHA256, threat)
	}
	return "", nil
}

func (m *MockQuarantiner) Restore(ctx context.Context, entryID string) error {
	if m.RestoreMock != nil {
		return m.RestoreMock(ctx, entryID)
	}
	return nil
}

func (m *MockQuarantiner) Release(ctx context.Context, entryID string, out io.Writer) (*quarantine.Entry, error) {
	if m.ReleaseMock != nil {
		return m.ReleaseMock(ctx, entryID, out)
	}
	return nil, nil
}

func (m *MockQuarantiner) IsRestored(ctx context.Context, sha256 string) (bool, error) {
	if m.IsRestoredMock != nil {
		return m.IsRestoredMock(ctx, sha256)
	}
	return false, nil
}

func (m *MockQuarantiner) List(ctx context.Context) ([]*quarantine.Entry, error) {
	if m.ListMock != nil {
		return m.ListMock(ctx)
	}
	return nil, nil
}

func (m *MockQuarantiner) Close() error { return nil }

// MockCacher implements cache.Cacher with pluggable functions.
type MockCacher struct {
	SetMock func(entry *cache.Entry) error
	GetMock func(sha256 string, ruleVersion string) (entry *cache.Entry, err error)
}

var _ cache.Cacher = &MockCacher{}

func (m *MockCacher) Set(entry *cache.Entry) error {
	if m.SetMock != nil {
		return m.SetMock(entry)
	}
	return nil
}

func (m *MockCacher) Get(sha256 string, ruleVersion string) (*cache.Entry, error) {
	if m.GetMock != nil {
		return m.GetMock(sha256, ruleVersion)
	}
	return nil, cache.ErrEntryNotFound
}

func (m *MockCacher) Close() error { return nil }

// MockVaulter implements vault.Vaulter with pluggable functions.
type MockVaulter struct {
	ProtectMock   func(ctx context.Context, path string) error
	RefreshMock   func(ctx context.Context, path string) error
	RestoreMock   func(ctx context.Context, path string) error
	ProtectedMock func(ctx context.Context, path string) (*vault.Entry, error)
	ListMock      func(ctx context.Context) ([]*vault.Entry, error)
}

var _ vault.Vaulter = &MockVaulter{}

func (m *MockVaulter) Protect(ctx context.Context, path string) error {
	if m.ProtectMock != nil {
		return m.ProtectMock(ctx, path)
	}
	return nil
}

func (m *MockVaulter) Refresh(ctx context.Context, path string) error {
	if m.RefreshMock != nil {
		return m.RefreshMock(ctx, path)
	}
	return nil
}

func (m *MockVaulter) Restore(ctx context.Context, path string) error {
	if m.RestoreMock != nil {
		return m.RestoreMock(ctx, path)
	}
	return nil
}

func (m *MockVaulter) Protected(ctx context.Context, path string) (*vault.Entry, error) {
	if m.ProtectedMock != nil {
		return m.ProtectedMock(ctx, path)
	}
	return nil, vault.ErrNotProtected
}

func (m *MockVaulter) List(ctx context.Context) ([]*vault.Entry, error) {
	if m.ListMock != nil {
		return m.ListMock(ctx)
	}
	return nil, nil
}

func (m *MockVaulter) Close() error { return nil }
