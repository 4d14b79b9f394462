package sessions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/steward/internal/config"
)

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, config.StorageConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	if _, ok := mem.Transcripts.(*MemoryStore); !ok {
		t.Errorf("memory transcripts = %T", mem.Transcripts)
	}
	if err := mem.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	lite, err := Open(ctx, config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "s.db")})
	if err != nil {
		t.Fatalf("Open(sqlite) error = %v", err)
	}
	defer lite.Close()
	if _, ok := lite.Transcripts.(*SQLStore); !ok {
		t.Errorf("sqlite transcripts = %T", lite.Transcripts)
	}
	if _, ok := lite.Approvals.(*SQLApprovalStore); !ok {
		t.Errorf("sqlite approvals = %T", lite.Approvals)
	}

	if _, err := Open(ctx, config.StorageConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Error("expected error for an unsupported driver")
	}
	if _, err := Open(ctx, config.StorageConfig{Driver: "postgres"}); err == nil {
		t.Error("expected error for a missing DSN")
	}
}
