package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("ticket_transfers")
		collection.Fields.Add(
			&core.TextField{Name: "transfer_id", Required: true},
			&core.TextField{Name: "ticket_id", Required: true},
			&core.TextField{Name: "from_user", Required: true},
			&core.TextField{Name: "to_user", Required: true},
			&core.SelectField{
				Name:      "status",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"pending", "accepted", "rejected", "cancelled", "expired"},
			},
			&core.DateField{Name: "expires_at"},
			&core.DateField{Name: "created_at"},
			&core.JSONField{Name: "data", MaxSize: 1 << 20},
		)
		collection.AddIndex("idx_ticket_transfers_transfer_id", true, "`transfer_id`", "")
		// at most one open transfer per ticket
		collection.AddIndex("idx_ticket_transfers_one_pending", true, "`ticket_id`", "`status` = 'pending'")
		collection.AddIndex("idx_ticket_transfers_from_user", false, "`from_user`", "")
		collection.AddIndex("idx_ticket_transfers_to_user", false, "`to_user`", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("ticket_transfers")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
