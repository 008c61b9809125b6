package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sealfs/sealfs"
)

// staticSharing authorizes a fixed recipient set per file. A real
// deployment wires the platform's sharing subsystem here.
type staticSharing struct {
	byFID map[string][]string
}

func (s staticSharing) ListAuthorizedPrincipals(_ context.Context, fileID string) ([]string, error) {
	return s.byFID[fileID], nil
}

func main() {
	fmt.Println("Starting sealfs example")
	ctx := context.Background()

	dataRoot, err := os.MkdirTemp("", "sealfs-example-*")
	if err != nil {
		log.Fatalf("temp dir: %s", err)
	}
	defer os.RemoveAll(dataRoot)

	sharing := staticSharing{byFID: map[string][]string{}}

	vault, err := sealfs.New(sealfs.Config{
		Paths:         []string{filepath.Join(dataRoot, "vault")},
		MinimumFreeGB: 1,
		Sharing:       sharing,
	})
	if err != nil {
		log.Fatalf("failed to initialize vault: %s", err)
	}
	if err := vault.Start(ctx); err != nil {
		log.Fatalf("failed to start vault: %s", err)
	}
	defer vault.Close()

	// First login bootstraps alice's key pair from her password.
	if err := vault.SetupKeysForLogin(ctx, "alice", "correct horse battery staple"); err != nil {
		log.Fatalf("alice login: %s", err)
	}
	if err := vault.SetupKeysForLogin(ctx, "bob", "hunter2"); err != nil {
		log.Fatalf("bob login: %s", err)
	}

	content := []byte("the quarterly numbers, for alice's eyes")
	if err := vault.WritePlaintext(ctx, "report.txt", "alice", bytes.NewReader(content)); err != nil {
		log.Fatalf("write: %s", err)
	}
	fmt.Println("alice wrote report.txt (encrypted at rest)")

	got, err := vault.ReadPlaintext(ctx, "report.txt", "alice", 0, int64(len(content)))
	if err != nil {
		log.Fatalf("read: %s", err)
	}
	fmt.Printf("alice reads back: %q\n", got)

	if _, err := vault.ReadPlaintext(ctx, "report.txt", "bob", 0, int64(len(content))); err != nil {
		fmt.Printf("bob is denied before the share: %s\n", err)
	}

	// Share with bob: the sharing layer records the grant, then publishes
	// the event so the vault wraps the content key for him.
	sharing.byFID["report.txt"] = []string{"bob"}
	vault.OnShareGranted("report.txt", "bob", "alice")

	got, err = vault.ReadPlaintext(ctx, "report.txt", "bob", 0, int64(len(content)))
	if err != nil {
		log.Fatalf("bob read after share: %s", err)
	}
	fmt.Printf("bob reads after share: %q\n", got)

	// Revoke and rotate the content key so bob's copy of it is useless.
	sharing.byFID["report.txt"] = nil
	vault.OnShareRevoked("report.txt", "bob")
	if err := vault.Rekey(ctx, "report.txt", "alice"); err != nil {
		log.Fatalf("rekey: %s", err)
	}
	vault.Logout("bob")
	if err := vault.SetupKeysForLogin(ctx, "bob", "hunter2"); err != nil {
		log.Fatalf("bob relogin: %s", err)
	}
	if _, err := vault.ReadPlaintext(ctx, "report.txt", "bob", 0, int64(len(content))); err != nil {
		fmt.Printf("bob is denied after revoke: %s\n", err)
	}

	fmt.Println("sealfs example done")
}
