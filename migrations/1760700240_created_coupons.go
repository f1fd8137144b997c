package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("coupons")
		collection.Fields.Add(
			&core.TextField{Name: "code", Required: true},
			&core.BoolField{Name: "is_active"},
			&core.DateField{Name: "valid_until"},
			&core.NumberField{Name: "max_uses", OnlyInt: true},
			&core.NumberField{Name: "current_uses", OnlyInt: true},
			&core.JSONField{Name: "data", MaxSize: 1 << 20},
		)
		collection.AddIndex("idx_coupons_code", true, "`code`", "")
		collection.AddIndex("idx_coupons_active", false, "`is_active`, `valid_until`", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("coupons")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
