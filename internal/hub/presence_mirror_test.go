package hub

import (
	"context"
	"testing"
)

func TestPresenceMirrorWithoutRedisIsInert(t *testing.T) {
	mirror := NewPresenceMirror(PresenceMirrorConfig{GatewayID: "gateway-1"})

	mirror.Online(context.Background(), "user-a")
	mirror.Offline(context.Background(), "user-a")

	gatewayID, online, err := mirror.Lookup(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("a disabled mirror must not error: %v", err)
	}
	if online || gatewayID != "" {
		t.Fatalf("a disabled mirror must report nobody online, got %q %v", gatewayID, online)
	}
}
