package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("payment_intents")
		collection.Fields.Add(
			&core.TextField{Name: "intent_id", Required: true},
			&core.TextField{Name: "user_id", Required: true},
			&core.TextField{Name: "event_id", Required: true},
			&core.TextField{Name: "ticket_type", Required: true},
			&core.NumberField{Name: "quantity", OnlyInt: true},
			&core.SelectField{
				Name:      "status",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"pending", "approved", "in_process", "rejected", "cancelled", "refunded"},
			},
			&core.TextField{Name: "external_reference", Required: true},
			&core.TextField{Name: "provider_payment_id"},
			&core.TextField{Name: "ticket_id", Required: true},
			&core.DateField{Name: "expires_at"},
			&core.DateField{Name: "created_at"},
			&core.DateField{Name: "updated_at"},
			&core.JSONField{Name: "data", MaxSize: 1 << 20},
		)
		collection.AddIndex("idx_payment_intents_intent_id", true, "`intent_id`", "")
		collection.AddIndex("idx_payment_intents_external_reference", true, "`external_reference`", "")
		collection.AddIndex("idx_payment_intents_ticket_id", true, "`ticket_id`", "")
		collection.AddIndex("idx_payment_intents_provider_payment_id", false, "`provider_payment_id`", "")
		collection.AddIndex("idx_payment_intents_capacity", false, "`event_id`, `ticket_type`, `status`", "")
		collection.AddIndex("idx_payment_intents_status_expiry", false, "`status`, `expires_at`", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("payment_intents")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
