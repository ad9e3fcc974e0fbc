package listing_test

import (
	"context"
	"fmt"
	"log"

	"invoicedesk/internal/api"
	"invoicedesk/internal/listing"
	"invoicedesk/internal/socket"
	"invoicedesk/pkg/models"
)

// Example wires a list controller to the API client and the live socket.
func Example() {
	client, err := api.NewClient("http://localhost:8010")
	if err != nil {
		log.Fatalf("Failed to create API client: %v", err)
	}

	ctrl := listing.New(client, listing.Options{
		PageSize: 25,
		OnChange: func(st listing.State) {
			if !st.Loading {
				fmt.Printf("page %d/%d, %d rows\n", st.Page, st.Pages, len(st.Rows))
			}
		},
	})
	defer ctrl.Close()

	mgr, err := socket.NewManager(socket.DefaultConfig(client.BaseURL()))
	if err != nil {
		log.Fatalf("Failed to create socket manager: %v", err)
	}
	mgr.OnStatusUpdate(ctrl.ApplyStatusUpdate)

	if err := ctrl.SetStatusFilter(models.StatusWaitingValidation); err != nil {
		log.Fatalf("Invalid filter: %v", err)
	}
	if err := ctrl.Refresh(context.Background()); err != nil {
		log.Printf("Failed to load invoices: %v", err)
	}
}
