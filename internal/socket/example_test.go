package socket_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"invoicedesk/internal/socket"
)

// ExampleManager_Retain shows a view subscribing to live status updates.
func ExampleManager_Retain() {
	mgr, err := socket.NewManager(socket.DefaultConfig("http://localhost:8010"))
	if err != nil {
		log.Fatalf("Failed to create socket manager: %v", err)
	}

	id := mgr.OnStatusUpdate(func(su socket.StatusUpdate) {
		fmt.Printf("invoice %d is now %s\n", su.ID, su.Status)
	})
	defer mgr.RemoveListener(socket.KindStatusUpdate, id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The last release disconnects.
	release, err := mgr.Retain(ctx)
	defer release()
	if err != nil {
		log.Printf("Live updates unavailable: %v", err)
		return
	}

	fmt.Println(mgr.Health())
}

// ExampleManager_JoinRoom follows preview edits of a single invoice.
func ExampleManager_JoinRoom() {
	mgr, err := socket.NewManager(socket.DefaultConfig("http://localhost:8010"))
	if err != nil {
		log.Fatalf("Failed to create socket manager: %v", err)
	}
	if err := mgr.Connect(context.Background()); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer mgr.Disconnect()

	mgr.OnPreviewUpdate(func(pu socket.PreviewUpdate) {
		fmt.Printf("preview of invoice %d changed: %s\n", pu.ID, pu.PreviewData)
	})
	if err := mgr.JoinRoom("invoice_42"); err != nil {
		log.Printf("Failed to join room: %v", err)
	}
}
