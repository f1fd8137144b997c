package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("audit_logs")
		collection.Fields.Add(
			&core.TextField{Name: "audit_id", Required: true},
			&core.TextField{Name: "actor_id"},
			&core.TextField{Name: "action", Required: true},
			&core.TextField{Name: "resource_type", Required: true},
			&core.TextField{Name: "resource_id", Required: true},
			&core.SelectField{Name: "severity", Required: true, MaxSelect: 1, Values: []string{"HIGH", "MEDIUM", "LOW"}},
			&core.BoolField{Name: "success"},
			&core.DateField{Name: "at"},
			&core.JSONField{Name: "data", MaxSize: 1 << 20},
		)
		collection.AddIndex("idx_audit_logs_audit_id", true, "`audit_id`", "")
		collection.AddIndex("idx_audit_logs_resource", false, "`resource_type`, `resource_id`", "")

		// append-only: no update or delete rules are ever granted
		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("audit_logs")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
