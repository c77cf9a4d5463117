package directory

import (
	"context"
	"testing"

	"netplay/internal/directory/directorytest"
)

func TestCodeClientRequestRegisterResolve(t *testing.T) {
	srv := directorytest.New()
	defer srv.Close()

	cc := NewCodeClient(srv.URL())
	ctx := context.Background()

	resp, err := cc.RequestCode(ctx, "lobby-1")
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if len(resp.Code) != 6 {
		t.Fatalf("Code = %q, want 6 chars", resp.Code)
	}

	if err := cc.RegisterCode(ctx, RegisterCodeRequest{Code: resp.Code, LobbyId: "lobby-1", HostAddress: "10.0.0.5", HostPort: 7777}); err != nil {
		t.Fatalf("RegisterCode: %v", err)
	}

	entry, err := cc.ResolveCode(ctx, resp.Code)
	if err != nil {
		t.Fatalf("ResolveCode: %v", err)
	}
	if entry.LobbyId != "lobby-1" || entry.Port != 7777 {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	if err := cc.DeleteCode(ctx, resp.Code); err != nil {
		t.Fatalf("DeleteCode: %v", err)
	}
	if _, err := cc.ResolveCode(ctx, resp.Code); err != ErrCodeNotFound {
		t.Fatalf("err = %v, want ErrCodeNotFound", err)
	}
}
