//go:build integration
// +build integration

// Integration tests for the Firestore cart repository.
// Run against the emulator:
//
//	gcloud emulators firestore start --host-port=localhost:8081
//	FIRESTORE_EMULATOR_HOST=localhost:8081 go test -tags=integration ./internal/repository/firestore/... -v
package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cartsync/internal/repository/repotest"
)

func TestIntegration_RepositoryContract(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("Skipping integration test: FIRESTORE_EMULATOR_HOST not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	repo, err := Open(ctx, "cartsync-test", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()

	repotest.Run(t, repo, fmt.Sprintf("it-%d-", time.Now().UnixNano()))
}
