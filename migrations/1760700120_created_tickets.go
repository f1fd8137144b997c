package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("tickets")
		collection.Fields.Add(
			&core.TextField{Name: "ticket_id", Required: true},
			&core.TextField{Name: "intent_id", Required: true},
			&core.TextField{Name: "event_id", Required: true},
			&core.TextField{Name: "holder_id", Required: true},
			&core.SelectField{
				Name:      "status",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"pending", "confirmed", "used", "cancelled", "transferred", "refunded"},
			},
			&core.DateField{Name: "issued_at"},
			&core.JSONField{Name: "data", MaxSize: 1 << 20},
		)
		collection.AddIndex("idx_tickets_ticket_id", true, "`ticket_id`", "")
		collection.AddIndex("idx_tickets_holder_id", false, "`holder_id`", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("tickets")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
