package main

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	ouroboros "github.com/i5heu/ouroboros-ledger"
)

func main() {
	fmt.Println("Starting ouroboros-ledger example")

	absPath, _ := filepath.Abs("ExamplePath/" + time.Now().Format("20060102-150405"))

	ledger, err := ouroboros.New(ouroboros.Config{
		Paths:                     []string{absPath},
		MinimumFreeGB:             1,
		GarbageCollectionInterval: 10 * time.Minute,
	})
	if err != nil {
		log.Fatalf("Failed to initialize ledger: %s", err)
	}
	defer ledger.Close()

	// A local-only page: no sync engines attached.
	notes, err := ledger.OpenPage("notes", ouroboros.PageOptions{})
	if err != nil {
		log.Fatalf("Error opening page: %s", err)
	}

	if err := notes.Put([]byte("title"), []byte("example page")); err != nil {
		log.Fatalf("Error writing key: %s", err)
	}
	value, err := notes.Get([]byte("title"))
	if err != nil {
		log.Fatalf("Error reading key: %s", err)
	}
	fmt.Printf("Read back: %s\n", value)

	// Two in-memory devices sharing one page through a simulated cloud.
	cloud := ouroboros.NewMemoryCloud()
	deviceA, _ := ouroboros.New(ouroboros.Config{InMemory: true})
	deviceB, _ := ouroboros.New(ouroboros.Config{InMemory: true})
	defer deviceA.Close()
	defer deviceB.Close()

	pageA, err := deviceA.OpenPage("shared", ouroboros.PageOptions{
		Engines: []ouroboros.SyncEngine{cloud.Connect()},
	})
	if err != nil {
		log.Fatalf("Error opening page on device A: %s", err)
	}
	pageB, err := deviceB.OpenPage("shared", ouroboros.PageOptions{
		Engines: []ouroboros.SyncEngine{cloud.Connect()},
	})
	if err != nil {
		log.Fatalf("Error opening page on device B: %s", err)
	}

	if err := pageA.Put([]byte("greeting"), []byte("hello from device A")); err != nil {
		log.Fatalf("Error writing on device A: %s", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if value, err := pageB.Get([]byte("greeting")); err == nil {
			fmt.Printf("Device B received: %s\n", value)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Fatal("device B never received the commit")
}
